package audio

import (
	"bytes"
	"testing"
	"time"
)

// pcm16 builds a little-endian s16le byte slice from samples.
func pcm16(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

func TestConvertFastPath(t *testing.T) {
	t.Parallel()

	conv := FormatConverter{Target: PipelineFormat}
	in := AudioFrame{
		Data:       pcm16(100, -100, 3000),
		Source:     SourceOpponent,
		SampleRate: 16000,
		Channels:   1,
		Timestamp:  time.Second,
	}

	out := conv.Convert(in)
	if !bytes.Equal(out.Data, in.Data) {
		t.Fatalf("fast path modified data: %v != %v", out.Data, in.Data)
	}
	if out.Source != SourceOpponent || out.Timestamp != time.Second {
		t.Fatalf("fast path lost frame metadata: %+v", out)
	}
}

func TestConvertZeroValueFormatTreatedAsNative(t *testing.T) {
	t.Parallel()

	conv := FormatConverter{Target: PipelineFormat}
	out := conv.Convert(AudioFrame{Data: pcm16(1, 2, 3), Source: SourceUser})
	if !bytes.Equal(out.Data, pcm16(1, 2, 3)) {
		t.Fatalf("zero-value format frame should pass through, got %v", out.Data)
	}
}

func TestConvertDropsOddByteCount(t *testing.T) {
	t.Parallel()

	conv := FormatConverter{Target: PipelineFormat}
	out := conv.Convert(AudioFrame{Data: []byte{1, 2, 3}, Source: SourceUser, SampleRate: 16000, Channels: 1})
	if out.Data != nil {
		t.Fatalf("expected nil data for corrupt frame, got %v", out.Data)
	}
	if out.Source != SourceUser {
		t.Fatalf("source tag lost on corrupt frame: %v", out.Source)
	}
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []byte
		want []byte
	}{
		{
			name: "averages channels",
			in:   pcm16(100, 200, -100, -200),
			want: pcm16(150, -150),
		},
		{
			name: "empty input",
			in:   nil,
			want: []byte{},
		},
		{
			name: "opposite extremes cancel",
			in:   pcm16(32767, -32767),
			want: pcm16(0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := StereoToMono(tt.in)
			if !bytes.Equal(got, tt.want) {
				t.Fatalf("StereoToMono(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestResampleMono16Lengths(t *testing.T) {
	t.Parallel()

	in := make([]byte, 960*2) // 960 samples = 20 ms @ 48 kHz
	out := ResampleMono16(in, 48000, 16000)
	if len(out) != 320*2 {
		t.Fatalf("48k→16k of 960 samples: got %d bytes, want %d", len(out), 320*2)
	}

	same := ResampleMono16(in, 16000, 16000)
	if len(same) != len(in) {
		t.Fatalf("same-rate resample changed length: %d != %d", len(same), len(in))
	}
}

func TestResampleMono16ConstantSignal(t *testing.T) {
	t.Parallel()

	// A constant signal must stay constant through linear interpolation.
	in := pcm16(1000, 1000, 1000, 1000, 1000, 1000)
	out := ResampleMono16(in, 48000, 16000)
	for i := 0; i+1 < len(out); i += 2 {
		s := int16(out[i]) | int16(out[i+1])<<8
		if s != 1000 {
			t.Fatalf("sample %d: got %d, want 1000", i/2, s)
		}
	}
}

func TestConvertFullStereoDownmix(t *testing.T) {
	t.Parallel()

	conv := FormatConverter{Target: PipelineFormat}
	in := AudioFrame{
		Data:       pcm16(500, 500, 500, 500), // 2 stereo frames @ 48 kHz
		Source:     SourceUser,
		SampleRate: 48000,
		Channels:   2,
	}

	out := conv.Convert(in)
	if out.SampleRate != 16000 || out.Channels != 1 {
		t.Fatalf("converted format = %dHz/%dch, want 16000Hz/1ch", out.SampleRate, out.Channels)
	}
	for i := 0; i+1 < len(out.Data); i += 2 {
		s := int16(out.Data[i]) | int16(out.Data[i+1])<<8
		if s != 500 {
			t.Fatalf("sample %d: got %d, want 500", i/2, s)
		}
	}
}

func TestSourceString(t *testing.T) {
	t.Parallel()

	if SourceUser.String() != "user" || SourceOpponent.String() != "opponent" {
		t.Fatalf("unexpected source names: %q, %q", SourceUser, SourceOpponent)
	}
	if Source(7).IsValid() {
		t.Fatal("Source(7) should be invalid")
	}
}
