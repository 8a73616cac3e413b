package vault

// EncryptedValue is the blob as stored by the vault.
type EncryptedValue struct {
	Meta    []byte `json:"meta"`
	Value   []byte `json:"value"`
	Version uint64 `json:"version"`
	Hash    []byte `json:"-"`
}

// DecryptedValue is the plaintext of a blob together with the hash guarding
// its next update. Meta is kept as stored.
type DecryptedValue struct {
	Meta    []byte
	Value   []byte
	Version uint64
	Hash    []byte
}

// IsEmpty reports whether the blob has never been written or was reset.
func (v *EncryptedValue) IsEmpty() bool {
	return len(v.Meta) == 0 && len(v.Value) == 0
}

// IsEmpty reports whether the blob holds no data.
func (v *DecryptedValue) IsEmpty() bool {
	return len(v.Meta) == 0 && len(v.Value) == 0
}
