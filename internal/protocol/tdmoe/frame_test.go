package tdmoe

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/dbehnke/dyntdm/internal/protocol"
)

func TestFrame_Parse(t *testing.T) {
	tests := []struct {
		name        string
		input       []byte
		expectedHdr Header
		expectedSig []uint8
		expectedErr error
	}{
		{
			name: "two channels with signalling",
			input: []byte{
				0x08, 0x02, // samples, flags (sigbits present)
				0x12, 0x34, // sequence
				0x00, 0x02, // channels
				0x00, 0x5A, // signalling word: ch0=0xA, ch1=0x5
				1, 2, 3, 4, 5, 6, 7, 8, // channel 0
				9, 10, 11, 12, 13, 14, 15, 16, // channel 1
			},
			expectedHdr: Header{Samples: 8, Flags: 0x02, Sequence: 0x1234, Channels: 2},
			expectedSig: []uint8{0xA, 0x5},
		},
		{
			name: "one channel yellow alarm no signalling",
			input: []byte{
				0x08, 0x01,
				0xFF, 0xFF,
				0x00, 0x01,
				1, 2, 3, 4, 5, 6, 7, 8,
			},
			expectedHdr: Header{Samples: 8, Flags: 0x01, Sequence: 0xFFFF, Channels: 1},
		},
		{
			name:        "header too short",
			input:       []byte{0x08, 0x00, 0x00},
			expectedErr: ErrHeaderTooShort,
		},
		{
			name:        "bad sample count",
			input:       []byte{0x10, 0x00, 0x00, 0x00, 0x00, 0x00},
			expectedErr: ErrBadSampleCount,
		},
		{
			name:        "truncated payload",
			input:       []byte{0x08, 0x00, 0x00, 0x00, 0x00, 0x01, 1, 2, 3},
			expectedErr: ErrBadLength,
		},
		{
			name:        "signalling flag without signalling words",
			input:       []byte{0x08, 0x02, 0x00, 0x00, 0x00, 0x01, 1, 2, 3, 4, 5, 6, 7, 8},
			expectedErr: ErrBadLength,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := &Frame{}
			err := frame.Parse(tt.input, protocol.CHUNK_SIZE)

			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expectedHdr, frame.Header)
			assert.Equal(t, tt.expectedSig, frame.Signalling)
			assert.Len(t, frame.Payload, int(tt.expectedHdr.Channels)*protocol.CHUNK_SIZE)
		})
	}
}

func TestFrame_ParseReusesBuffers(t *testing.T) {
	in := Frame{
		Header:     Header{Samples: protocol.CHUNK_SIZE, Channels: 24},
		Signalling: make([]uint8, 24),
		Payload:    make([]byte, 24*protocol.CHUNK_SIZE),
	}
	withSig := in.Build()
	in.Signalling = nil
	noSig := in.Build()

	var f Frame
	require.NoError(t, f.Parse(withSig, protocol.CHUNK_SIZE))
	allocs := testing.AllocsPerRun(100, func() {
		if err := f.Parse(withSig, protocol.CHUNK_SIZE); err != nil {
			t.Fatal(err)
		}
		if err := f.Parse(noSig, protocol.CHUNK_SIZE); err != nil {
			t.Fatal(err)
		}
	})
	assert.Zero(t, allocs)
	assert.Nil(t, f.Signalling, "absent signalling stays nil")

	require.NoError(t, f.Parse(withSig, protocol.CHUNK_SIZE))
	assert.Len(t, f.Signalling, 24)
	assert.Len(t, f.Payload, 24*protocol.CHUNK_SIZE)
}

func TestFrame_BuildLayout(t *testing.T) {
	frame := &Frame{
		Header:     Header{Samples: 8, Flags: protocol.FLAG_YELLOW_ALARM, Sequence: 7, Channels: 5},
		Signalling: []uint8{1, 2, 3, 4, 0xF},
		Payload:    bytes.Repeat([]byte{0x55}, 5*8),
	}

	msg := frame.Build()

	require.Len(t, msg, 6+4+40)
	assert.Equal(t, byte(8), msg[0])
	assert.Equal(t, byte(protocol.FLAG_YELLOW_ALARM|protocol.FLAG_SIGBITS_PRESENT), msg[1])
	assert.Equal(t, []byte{0x00, 0x07}, msg[2:4])
	assert.Equal(t, []byte{0x00, 0x05}, msg[4:6])
	// ch3..ch0 = 4,3,2,1 ; ch4 alone in the second word
	assert.Equal(t, []byte{0x43, 0x21, 0x00, 0x0F}, msg[6:10])
}

func TestFrame_BuildClearsStaleSignallingFlag(t *testing.T) {
	frame := &Frame{
		Header:  Header{Samples: 8, Flags: protocol.FLAG_SIGBITS_PRESENT, Channels: 1},
		Payload: make([]byte, 8),
	}

	msg := frame.Build()

	assert.Len(t, msg, 14)
	assert.Zero(t, msg[1]&protocol.FLAG_SIGBITS_PRESENT)
}

func TestSignallingLength(t *testing.T) {
	tests := []struct {
		nchans int
		want   int
	}{
		{0, 0}, {1, 2}, {4, 2}, {5, 4}, {8, 4}, {9, 6}, {255, 128},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, SignallingLength(tt.nchans), "nchans=%d", tt.nchans)
	}
}

func TestExpectedLength_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		nchans := rapid.IntRange(1, protocol.MAX_CHANNELS-1).Draw(t, "nchans")
		chunk := rapid.IntRange(1, 64).Draw(t, "chunk")
		flags := rapid.Uint8().Draw(t, "flags")

		want := 6 + nchans*chunk
		if flags&protocol.FLAG_SIGBITS_PRESENT != 0 {
			want += (nchans + 3) / 4 * 2
		}

		if got := ExpectedLength(flags, nchans, chunk); got != want {
			t.Fatalf("ExpectedLength(0x%02x, %d, %d) = %d, want %d", flags, nchans, chunk, got, want)
		}
	})
}

func TestFrame_RoundTrip_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		nchans := rapid.IntRange(1, protocol.MAX_CHANNELS-1).Draw(t, "nchans")
		withSig := rapid.Bool().Draw(t, "withSig")

		in := &Frame{
			Header: Header{
				Samples:  protocol.CHUNK_SIZE,
				Flags:    rapid.Uint8().Draw(t, "flags") &^ protocol.FLAG_SIGBITS_PRESENT,
				Sequence: rapid.Uint16().Draw(t, "seq"),
				Channels: uint16(nchans),
			},
			Payload: rapid.SliceOfN(rapid.Byte(), nchans*protocol.CHUNK_SIZE, nchans*protocol.CHUNK_SIZE).Draw(t, "payload"),
		}
		if withSig {
			in.Signalling = rapid.SliceOfN(rapid.Uint8Range(0, 15), nchans, nchans).Draw(t, "sig")
		}

		msg := in.Build()

		out := &Frame{}
		if err := out.Parse(msg, protocol.CHUNK_SIZE); err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if out.Sequence != in.Sequence || out.Channels != in.Channels {
			t.Fatalf("header mismatch: got %+v, want %+v", out.Header, in.Header)
		}
		if out.HasSignalling() != withSig {
			t.Fatalf("HasSignalling() = %v, want %v", out.HasSignalling(), withSig)
		}
		if withSig && !bytes.Equal(out.Signalling, in.Signalling) {
			t.Fatalf("signalling = %v, want %v", out.Signalling, in.Signalling)
		}
		if !bytes.Equal(out.Payload, in.Payload) {
			t.Fatalf("payload mismatch")
		}
		for ch := 0; ch < nchans; ch++ {
			if !bytes.Equal(out.Chunk(ch), in.Payload[ch*protocol.CHUNK_SIZE:(ch+1)*protocol.CHUNK_SIZE]) {
				t.Fatalf("chunk %d mismatch", ch)
			}
		}
	})
}
