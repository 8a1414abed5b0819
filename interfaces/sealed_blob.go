package interfaces

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// SealingAlgorithmAESGCM is the only algorithm tag currently produced.
const SealingAlgorithmAESGCM = "AES-256-GCM"

// SealedBlobVersion is the envelope version written by Marshal.
const SealedBlobVersion uint8 = 1

var sealedBlobMagic = []byte("TSB")

// SealedBlob is a ciphertext envelope safe to keep in untrusted storage.
// Measurement records the enclave identity the blob was sealed under; it is
// authenticated, so editing it only makes unsealing fail.
type SealedBlob struct {
	Version     uint8
	Algorithm   string
	Context     string
	Measurement Measurement
	Nonce       []byte
	Tag         []byte
	Ciphertext  []byte
}

// AssociatedData returns the header bytes authenticated alongside the ciphertext.
func (b *SealedBlob) AssociatedData() []byte {
	var buf bytes.Buffer
	buf.Write(sealedBlobMagic)
	buf.WriteByte(b.Version)
	writeField16(&buf, []byte(b.Algorithm))
	writeField16(&buf, []byte(b.Context))
	writeField16(&buf, b.Measurement)
	return buf.Bytes()
}

// MarshalBinary encodes the envelope:
//
//	"TSB" | version | alg | context | measurement | nonce | tag   (u16 length-prefixed)
//	ciphertext                                                     (u32 length-prefixed)
func (b *SealedBlob) MarshalBinary() ([]byte, error) {
	if len(b.Algorithm) > 0xffff || len(b.Context) > 0xffff || len(b.Measurement) > 0xffff {
		return nil, fmt.Errorf("%w: sealed blob header field too long", ErrInvalidArgument)
	}
	var buf bytes.Buffer
	buf.Write(b.AssociatedData())
	writeField16(&buf, b.Nonce)
	writeField16(&buf, b.Tag)
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b.Ciphertext)))
	buf.Write(l[:])
	buf.Write(b.Ciphertext)
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes an envelope. Malformed input is reported as an
// integrity failure: a truncated blob is indistinguishable from tampering.
func (b *SealedBlob) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	magic := make([]byte, len(sealedBlobMagic))
	if _, err := io.ReadFull(r, magic); err != nil || !bytes.Equal(magic, sealedBlobMagic) {
		return fmt.Errorf("%w: not a sealed blob", ErrIntegrityCheckFailed)
	}
	version, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: truncated sealed blob", ErrIntegrityCheckFailed)
	}
	fields := make([][]byte, 5)
	for i := range fields {
		if fields[i], err = readField16(r); err != nil {
			return err
		}
	}
	var l [4]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return fmt.Errorf("%w: truncated sealed blob", ErrIntegrityCheckFailed)
	}
	n := binary.BigEndian.Uint32(l[:])
	if int(n) != r.Len() {
		return fmt.Errorf("%w: sealed blob length mismatch", ErrIntegrityCheckFailed)
	}
	ciphertext := make([]byte, n)
	if _, err := io.ReadFull(r, ciphertext); err != nil {
		return fmt.Errorf("%w: truncated sealed blob", ErrIntegrityCheckFailed)
	}

	*b = SealedBlob{
		Version:     version,
		Algorithm:   string(fields[0]),
		Context:     string(fields[1]),
		Measurement: Measurement(fields[2]),
		Nonce:       fields[3],
		Tag:         fields[4],
		Ciphertext:  ciphertext,
	}
	return nil
}

// ParseSealedBlob decodes an envelope produced by MarshalBinary.
func ParseSealedBlob(data []byte) (*SealedBlob, error) {
	var b SealedBlob
	if err := b.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &b, nil
}

func writeField16(buf *bytes.Buffer, field []byte) {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(field)))
	buf.Write(l[:])
	buf.Write(field)
}

func readField16(r *bytes.Reader) ([]byte, error) {
	var l [2]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return nil, fmt.Errorf("%w: truncated sealed blob", ErrIntegrityCheckFailed)
	}
	n := int(binary.BigEndian.Uint16(l[:]))
	if n > r.Len() {
		return nil, fmt.Errorf("%w: truncated sealed blob", ErrIntegrityCheckFailed)
	}
	field := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, field); err != nil {
			return nil, fmt.Errorf("%w: truncated sealed blob", ErrIntegrityCheckFailed)
		}
	}
	return field, nil
}
