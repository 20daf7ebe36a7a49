package binary

import (
	"bytes"
	"errors"
	"io"
	"math"
	"testing"
)

func TestReadU32(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    uint32
		wantErr error
	}{
		{"zero", []byte{0x00}, 0, nil},
		{"one byte", []byte{0x7F}, 127, nil},
		{"two bytes", []byte{0x80, 0x01}, 128, nil},
		{"max", []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x0F}, math.MaxUint32, nil},
		{"padded", []byte{0x80, 0x80, 0x80, 0x80, 0x00}, 0, nil},
		{"fifth byte overflow", []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x1F}, 0, ErrOverflow},
		{"too long", []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x00}, 0, ErrOverflow},
		{"truncated", []byte{0x80}, 0, io.ErrUnexpectedEOF},
		{"empty", nil, 0, io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewReader(tt.data, 0).ReadU32()
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("ReadU32 = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSignedRoundTrip(t *testing.T) {
	values32 := []int32{0, 1, -1, 63, -64, 64, -65, math.MaxInt32, math.MinInt32}
	for _, v := range values32 {
		w := NewWriter()
		w.WriteS32(v)
		got, err := NewReader(w.Bytes(), 0).ReadS32()
		if err != nil || got != v {
			t.Errorf("S32 %d: got %d, %v", v, got, err)
		}
	}

	values64 := []int64{0, -1, 1 << 40, -1 << 40, math.MaxInt64, math.MinInt64}
	for _, v := range values64 {
		w := NewWriter()
		w.WriteS64(v)
		got, err := NewReader(w.Bytes(), 0).ReadS64()
		if err != nil || got != v {
			t.Errorf("S64 %d: got %d, %v", v, got, err)
		}
	}
}

func TestReadS32Overflow(t *testing.T) {
	w := NewWriter()
	w.WriteS64(1 << 40)
	if _, err := NewReader(w.Bytes(), 0).ReadS32(); !errors.Is(err, ErrOverflow) {
		t.Errorf("error = %v, want ErrOverflow", err)
	}
}

func TestReadName(t *testing.T) {
	w := NewWriter()
	w.WriteName("héllo")
	got, err := NewReader(w.Bytes(), 0).ReadName()
	if err != nil || got != "héllo" {
		t.Errorf("ReadName = %q, %v", got, err)
	}

	if _, err := NewReader([]byte{0x02, 0xC3, 0x28}, 0).ReadName(); !errors.Is(err, ErrInvalidUTF8) {
		t.Errorf("invalid UTF-8: error = %v", err)
	}
	if _, err := NewReader([]byte{0x05, 'a'}, 0).ReadName(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("short name: error = %v", err)
	}
}

func TestSubTracksOffsets(t *testing.T) {
	r := NewReader([]byte{0x01, 0x02, 0x03, 0x04, 0x05}, 100)
	if _, err := r.ReadByte(); err != nil {
		t.Fatal(err)
	}
	sub, err := r.Sub(3)
	if err != nil {
		t.Fatal(err)
	}
	if sub.Offset() != 101 {
		t.Errorf("sub offset = %d, want 101", sub.Offset())
	}
	if r.Offset() != 104 || r.Len() != 1 {
		t.Errorf("parent offset = %d len = %d", r.Offset(), r.Len())
	}
	if _, err := r.Sub(2); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("oversized Sub: error = %v", err)
	}

	mark := sub.Mark()
	sub.ReadByte()
	sub.ReadByte()
	if got := sub.Since(mark); !bytes.Equal(got, []byte{0x02, 0x03}) {
		t.Errorf("Since = % x", got)
	}
	if rest := sub.ReadRemaining(); !bytes.Equal(rest, []byte{0x04}) || !sub.Done() {
		t.Errorf("ReadRemaining = % x done=%v", rest, sub.Done())
	}
}

func TestWriterBlobAndLE(t *testing.T) {
	w := NewWriter()
	w.WriteU32LE(0x6D736100)
	w.WriteBlob([]byte{0xAA, 0xBB})
	w.WriteU64(300)

	want := []byte{0x00, 0x61, 0x73, 0x6D, 0x02, 0xAA, 0xBB, 0xAC, 0x02}
	if !bytes.Equal(w.Bytes(), want) {
		t.Errorf("bytes = % x, want % x", w.Bytes(), want)
	}
	if w.Len() != len(want) {
		t.Errorf("Len = %d", w.Len())
	}

	r := NewReader(w.Bytes(), 0)
	if v, _ := r.ReadU32LE(); v != 0x6D736100 {
		t.Errorf("ReadU32LE = %#x", v)
	}
	if n, _ := r.ReadU32(); n != 2 {
		t.Errorf("blob length = %d", n)
	}
	r.ReadBytes(2)
	if v, _ := r.ReadU64(); v != 300 {
		t.Errorf("ReadU64 = %d", v)
	}
}
