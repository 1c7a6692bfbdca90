/*
File Name:  bytes.go
Copyright:  2024 Fluxon Contributors

SecureBytes wraps key material so it can be explicitly zeroized before the
reference is dropped. Go has no destructors, so callers must call Zero()
at every reset/leave/dispose point named by the spec (identity reset,
leaving a group, store disposal) -- the explicit zero loop the design
notes allow as the fallback for languages without them.
*/
package secure

// Bytes holds sensitive byte material. The zero value is an empty,
// already-zeroized container.
type Bytes struct {
	data []byte
}

// New copies src into a new SecureBytes container. The caller's original
// slice is not touched.
func New(src []byte) *Bytes {
	b := &Bytes{data: make([]byte, len(src))}
	copy(b.data, src)
	return b
}

// Bytes returns the underlying byte slice. Callers must not retain it past
// a Zero() call.
func (b *Bytes) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data
}

// Len reports the length of the contained material.
func (b *Bytes) Len() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

// Zero overwrites every byte with zero, byte by byte, then releases the
// backing slice. Safe to call multiple times.
func (b *Bytes) Zero() {
	if b == nil {
		return
	}
	for i := range b.data {
		b.data[i] = 0
	}
	b.data = nil
}
