// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package upb

import (
	"bytes"
	"math/rand"
	"os"
	"reflect"
	"strconv"
	"testing"
	"time"
)

// getFuzzRounds returns the number of fuzz rounds from FUZZ_ROUNDS env var, default 1000
func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 1000
}

// getFuzzSeed returns the seed from FUZZ_SEED env var, or generates one from current time
func getFuzzSeed() int64 {
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if seed, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			return seed
		}
	}
	return time.Now().UnixNano()
}

// newFuzzRng creates a new random number generator and logs the seed for reproducibility
func newFuzzRng(t *testing.T) *rand.Rand {
	seed := getFuzzSeed()
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

var fuzzCommands = []Command{CmdNull, CmdActivate, CmdDeactivate, CmdGoto, CmdReportState, CmdDeviceState, Command(0x41)}

// randomRequest builds a request with random addressing, flags and arguments
func randomRequest(rng *rand.Rand) Request {
	args := make([]byte, rng.Intn(MaxArguments+1))
	rng.Read(args)
	return Request{
		Network:      uint8(rng.Intn(256)),
		Destination:  uint8(rng.Intn(256)),
		Source:       uint8(1 + rng.Intn(255)),
		Link:         rng.Intn(2) == 1,
		AckRequested: rng.Intn(2) == 1,
		Command:      fuzzCommands[rng.Intn(len(fuzzCommands))],
		Arguments:    args,
	}
}

// randomStream builds a byte stream of delimited runs. About one run in four
// is longer than capacity, some several times over.
func randomStream(rng *rand.Rand, capacity int) []byte {
	var stream []byte
	runs := 1 + rng.Intn(20)
	for i := 0; i < runs; i++ {
		length := rng.Intn(capacity)
		if rng.Intn(4) == 0 {
			length = capacity + rng.Intn(3*capacity)
		}
		stream = append(stream, randomRun(rng, length)...)
		stream = append(stream, Delimiter)
	}
	// trailing partial frame, possibly overflowing too
	return append(stream, randomRun(rng, rng.Intn(2*capacity))...)
}

// randomRun returns printable bytes only, so the run holds no stray delimiter
func randomRun(rng *rand.Rand, length int) []byte {
	run := make([]byte, length)
	for j := range run {
		run[j] = byte(0x20 + rng.Intn(0x5F))
	}
	return run
}

// ============================================================
// Frame Extractor Fuzz Tests
// ============================================================

func TestFuzzFrameChunkIndependence(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds()

	for i := 0; i < rounds; i++ {
		capacity := 16 + rng.Intn(DefaultBufferSize)
		stream := randomStream(rng, capacity)

		whole := NewFrameExtractor(capacity)
		want, wantDropped := whole.Feed(stream)

		chunked := NewFrameExtractor(capacity)
		var got []string
		gotDropped := 0
		for rest := stream; len(rest) > 0; {
			n := 1 + rng.Intn(len(rest))
			frames, dropped := chunked.Feed(rest[:n])
			got = append(got, frames...)
			gotDropped += dropped
			rest = rest[n:]
		}

		if !reflect.DeepEqual(got, want) {
			t.Fatalf("round %d: chunked frames differ from whole feed (%d vs %d frames)", i, len(got), len(want))
		}
		if gotDropped != wantDropped {
			t.Fatalf("round %d: dropped %d vs %d", i, gotDropped, wantDropped)
		}
		if chunked.Buffered() != whole.Buffered() {
			t.Fatalf("round %d: buffered %d vs %d", i, chunked.Buffered(), whole.Buffered())
		}
		for _, f := range want {
			if len(f) > capacity {
				t.Fatalf("round %d: frame of %d bytes exceeds capacity %d", i, len(f), capacity)
			}
		}
	}
}

// ============================================================
// Codec Fuzz Tests
// ============================================================

func TestFuzzRoundTrip(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds()

	for i := 0; i < rounds; i++ {
		req := randomRequest(rng)

		wire, err := req.Encode()
		if err != nil {
			t.Fatalf("round %d: Encode() error = %v", i, err)
		}

		m, err := Decode(prefixReport + string(wire))
		if err != nil {
			t.Fatalf("round %d: Decode(%s) error = %v", i, wire, err)
		}

		if m.Type() != TypeReport {
			t.Errorf("round %d: Type() = %v, want REPORT", i, m.Type())
		}
		if m.Network() != req.Network {
			t.Errorf("round %d: Network() = %d, want %d", i, m.Network(), req.Network)
		}
		if m.Destination() != req.Destination {
			t.Errorf("round %d: Destination() = %d, want %d", i, m.Destination(), req.Destination)
		}
		if m.Source() != req.Source {
			t.Errorf("round %d: Source() = %d, want %d", i, m.Source(), req.Source)
		}
		if m.ControlWord().IsLink() != req.Link {
			t.Errorf("round %d: IsLink() = %v, want %v", i, m.ControlWord().IsLink(), req.Link)
		}
		if m.ControlWord().AckRequested() != req.AckRequested {
			t.Errorf("round %d: AckRequested() = %v, want %v", i, m.ControlWord().AckRequested(), req.AckRequested)
		}
		if m.Command() != req.Command {
			t.Errorf("round %d: Command() = %v, want %v", i, m.Command(), req.Command)
		}
		if !bytes.Equal(m.Arguments(), req.Arguments) {
			t.Errorf("round %d: Arguments() = %X, want %X", i, m.Arguments(), req.Arguments)
		}
	}
}

func TestFuzzDecodeRandomFrames(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds()

	for i := 0; i < rounds; i++ {
		raw := make([]byte, rng.Intn(70))
		rng.Read(raw)

		var frame string
		if rng.Intn(2) == 0 {
			frame = prefixReport + string(raw)
		} else {
			frame = string(raw)
		}

		// must never panic; errors leave no message behind
		m, err := Decode(frame)
		if err != nil && m != nil {
			t.Fatalf("round %d: Decode returned both a message and error %v", i, err)
		}
		if err == nil && m == nil {
			t.Fatalf("round %d: Decode returned neither message nor error", i)
		}
	}
}

func TestFuzzCorruptedPacket(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds()

	for i := 0; i < rounds; i++ {
		wire, err := randomRequest(rng).Encode()
		if err != nil {
			t.Fatalf("round %d: Encode() error = %v", i, err)
		}

		// flip one hex digit to another hex digit
		pos := rng.Intn(len(wire))
		const digits = "0123456789ABCDEF"
		corrupted := append([]byte(nil), wire...)
		for corrupted[pos] == wire[pos] {
			corrupted[pos] = digits[rng.Intn(len(digits))]
		}

		if _, err := Decode(prefixReport + string(corrupted)); err == nil {
			t.Fatalf("round %d: corrupted packet %s decoded without error", i, corrupted)
		}
	}
}
