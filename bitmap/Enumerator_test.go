package bitmap

import "testing"


func TestEnumeratorAscendingOrder(t *testing.T) {
	bm := newTestBitmap(true)

	keys := []uint32{500, 10, 99999, 3, 42}
	for _, k := range keys {
		if err := bm.Set(k, StateOne); err != nil { t.Fatalf("set %d: %s", k, err.Error()) }
	}

	en := NewEnumerator(bm)

	var out []uint32
	for {
		k, state, ok := en.Next(true)
		if !ok { break }
		if state != StateOne { t.Errorf("key %d: unexpected state %v", k, state) }
		out = append(out, k)
	}

	if len(out) != len(keys) {
		t.Fatalf("expected %d keys, got %d", len(keys), len(out))
	}

	for i := 1; i < len(out); i++ {
		if out[i-1] >= out[i] {
			t.Errorf("enumerator not ascending at %d: %d then %d", i, out[i-1], out[i])
		}
	}
}

func TestEnumeratorGoTo(t *testing.T) {
	bm := newTestBitmap(false)

	for _, k := range []uint32{5, 10, 15, 20} {
		if err := bm.Set(k, StateOne); err != nil { t.Fatalf("set %d: %s", k, err.Error()) }
	}

	en := NewEnumerator(bm)
	en.GoTo(12)

	k, _, ok := en.Next(true)
	if !ok || k != 15 {
		t.Errorf("expected GoTo(12) then Next to land on 15, got key=%d ok=%v", k, ok)
	}
}

func TestEnumeratorExhausts(t *testing.T) {
	bm := newTestBitmap(false)
	if err := bm.Set(1, StateOne); err != nil { t.Fatalf("set: %s", err.Error()) }

	en := NewEnumerator(bm)

	if _, _, ok := en.Next(true); !ok { t.Fatal("expected one entry") }
	if _, _, ok := en.Next(true); ok { t.Error("expected enumerator to be exhausted after its only entry") }
}

func TestEnumeratorIncludesStateZeroForNullable(t *testing.T) {
	bm := newTestBitmap(true)

	if err := bm.Set(1, StateZero); err != nil { t.Fatalf("set: %s", err.Error()) }

	en := NewEnumerator(bm)

	k, state, ok := en.Next(true)
	if !ok || k != 1 || state != StateZero {
		t.Errorf("expected key 1 with StateZero, got key=%d state=%v ok=%v", k, state, ok)
	}
}
