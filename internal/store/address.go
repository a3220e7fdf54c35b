package store

// IndexAddress deterministically maps an index name and optional family id
// to the key prefix all of that index's entries share. Every typed view
// (map, list, set, entry, proof-list, proof-map) is addressed this way, so
// two views opened with the same name/family never collide with a third
// view opened under a different name.
func IndexAddress(name string, familyID ...[]byte) []byte {
	addr := append([]byte{}, name...)
	addr = append(addr, '\x00')
	if len(familyID) > 0 && len(familyID[0]) > 0 {
		addr = append(addr, familyID[0]...)
		addr = append(addr, '\x00')
	}
	return addr
}
