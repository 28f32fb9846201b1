package sortkey_test

import (
	"bytes"
	"encoding/json"
	"math/rand/v2"
	"testing"
	"testing/quick"

	"github.com/parkerroan/sortgate/sortkey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(b ...byte) sortkey.Key {
	return sortkey.FromBytes(b)
}

func TestCompare(t *testing.T) {
	testCases := []struct {
		a, b []byte
		want int
	}{
		{[]byte{}, []byte{}, 0},
		{[]byte{0x00}, []byte{0x00}, 0},
		{[]byte{0x7f}, []byte{0x7f}, 0},
		{[]byte{0x80}, []byte{0x80}, 0},
		{[]byte{0xff}, []byte{0xff}, 0},
		{[]byte{0x00}, []byte{}, -1},
		{[]byte{0x7f}, []byte{}, -1},
		{[]byte{0x80}, []byte{}, 1},
		{[]byte{0xff}, []byte{}, 1},
		{[]byte{0x10, 0x00}, []byte{0x10}, -1},
		{[]byte{0x10, 0x7f}, []byte{0x10}, -1},
		{[]byte{0x10, 0x80}, []byte{0x10}, 1},
		{[]byte{0x10, 0xff}, []byte{0x10}, 1},
		{[]byte{0x00}, []byte{0x00, 122}, 1},
		{[]byte{228, 1}, []byte{227, 128}, 1},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.want, sortkey.Compare(tc.a, tc.b), "%x vs %x", tc.a, tc.b)
		assert.Equal(t, -tc.want, sortkey.Compare(tc.b, tc.a), "%x vs %x", tc.b, tc.a)
		assert.Equal(t, tc.want, sortkey.FromBytes(tc.a).Compare(sortkey.FromBytes(tc.b)))
	}
}

func TestInFront(t *testing.T) {
	assert.Equal(t, sortkey.Key{}, sortkey.InFront(nil))

	first := key(0x01)
	assert.Equal(t, key(0x00), sortkey.InFront(&first))

	for _, b := range [][]byte{{}, {0x00}, {0x00, 0x00}, {0x00, 0x05}, {0x80}, {0xff, 0xff}, {0x7f}} {
		k := sortkey.FromBytes(b)
		got := sortkey.InFront(&k)
		assert.True(t, got.Less(k), "InFront(%x) = %x", b, got.Bytes())
	}
}

func TestAtTheEnd(t *testing.T) {
	assert.Equal(t, sortkey.Key{}, sortkey.AtTheEnd(nil))
	assert.True(t, sortkey.InFront(nil) == sortkey.AtTheEnd(nil))

	for _, b := range [][]byte{{}, {0xff}, {0xff, 0xff}, {0xff, 0x05}, {0x7f}, {0xfe}, {0x00}} {
		k := sortkey.FromBytes(b)
		got := sortkey.AtTheEnd(&k)
		assert.True(t, k.Less(got), "AtTheEnd(%x) = %x", b, got.Bytes())
	}
}

func assertBetween(t *testing.T, a, b []byte) {
	t.Helper()
	ka, kb := sortkey.FromBytes(a), sortkey.FromBytes(b)
	r := sortkey.Between(ka, kb)

	switch ka.Compare(kb) {
	case 0:
		assert.Equal(t, ka, r, "Between(%x, %x)", a, b)
	case -1:
		assert.True(t, ka.Less(r) && r.Less(kb), "Between(%x, %x) = %x", a, b, r.Bytes())
	default:
		assert.True(t, kb.Less(r) && r.Less(ka), "Between(%x, %x) = %x", a, b, r.Bytes())
	}
}

func TestBetween(t *testing.T) {
	testCases := []struct {
		a, b []byte
	}{
		{[]byte{}, []byte{}},
		{[]byte{0x00}, []byte{0x00, 0x00}},
		{[]byte{0x00}, []byte{0x00, 0x00, 0x00}},
		{[]byte{0x80}, []byte{0x80}},
		{[]byte{0x00}, []byte{0x00}},
		{[]byte{0x00}, []byte{}},
		{[]byte{0x00}, []byte{0xff}},
		{[]byte{0x01, 0x0a}, []byte{0x02, 0xff}},
		{[]byte{0x01, 0x00}, []byte{0x02, 0x40}},
		{[]byte{0x01, 0xff}, []byte{0x02, 0x00}},
		{[]byte{0x01, 0xff, 0xff}, []byte{0x02, 0x00, 0x00}},
		{[]byte{0x01, 0xff}, []byte{0x02, 0x00, 0x00}},
		{[]byte{0x01, 0xff, 0xff}, []byte{0x02, 0x00}},
		{[]byte{0xff}, []byte{}},
		{[]byte{0x7f}, []byte{}},
		{[]byte{}, []byte{0x80}},
		{[]byte{0x7f}, []byte{0x80}},
		{[]byte{0x00}, []byte{0x00, 122}},
		{[]byte{228, 1}, []byte{227, 128}},
		{[]byte{0x00, 127}, []byte{0}},
		{[]byte{252, 128}, []byte{253, 128}},
		{[]byte{0, 128}, []byte{1, 0}},
		{[]byte{0x7f, 0xff, 0xff}, []byte{}},
		{[]byte{}, []byte{0x80, 0x00, 0x00}},
	}

	for _, tc := range testCases {
		assertBetween(t, tc.a, tc.b)
	}
}

func TestBetween_Vectors(t *testing.T) {
	assert.Equal(t, key(0x80), sortkey.Between(key(0x00), key(0xff)))
	assert.Equal(t, key(), sortkey.Between(key(0x7f), key(0x80)))
	assert.Equal(t, key(0x60), sortkey.Between(key(0x40), key()))

	k := sortkey.Between(key(0x01, 0xff), key(0x02, 0x00))
	assert.True(t, key(0x01, 0xff).Less(k))
	assert.True(t, k.Less(key(0x02, 0x00)))
}

func TestBetween_Quick(t *testing.T) {
	f := func(a, b []byte) bool {
		ka, kb := sortkey.FromBytes(a), sortkey.FromBytes(b)
		r := sortkey.Between(ka, kb)
		switch ka.Compare(kb) {
		case 0:
			return r == ka
		case -1:
			return ka.Less(r) && r.Less(kb)
		default:
			return kb.Less(r) && r.Less(ka)
		}
	}
	require.NoError(t, quick.Check(f, &quick.Config{MaxCount: 5000}))
}

// edgeBytes draws keys from the bytes where carries happen.
func edgeBytes(rng *rand.Rand) []byte {
	alphabet := []byte{0x00, 0x01, 0x3f, 0x7e, 0x7f, 0x80, 0x81, 0xfe, 0xff}
	b := make([]byte, rng.IntN(6))
	for i := range b {
		b[i] = alphabet[rng.IntN(len(alphabet))]
	}
	return b
}

func TestBetween_EdgeAlphabet(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 20000; i++ {
		assertBetween(t, edgeBytes(rng), edgeBytes(rng))
	}
}

func TestBetween_RepeatedBisection(t *testing.T) {
	t.Run("toward the lower neighbour", func(t *testing.T) {
		lo, hi := key(0x10), key(0x11)
		for i := 0; i < 10000; i++ {
			m := sortkey.Between(lo, hi)
			require.True(t, lo.Less(m) && m.Less(hi), "iteration %d", i)
			hi = m
		}
	})

	t.Run("toward the upper neighbour", func(t *testing.T) {
		lo, hi := key(0x7f), key()
		for i := 0; i < 10000; i++ {
			m := sortkey.Between(lo, hi)
			require.True(t, lo.Less(m) && m.Less(hi), "iteration %d", i)
			lo = m
		}
	})

	t.Run("alternating", func(t *testing.T) {
		lo, hi := key(0x00), key(0xff)
		for i := 0; i < 10000; i++ {
			m := sortkey.Between(lo, hi)
			require.True(t, lo.Less(m) && m.Less(hi), "iteration %d", i)
			if i%2 == 0 {
				hi = m
			} else {
				lo = m
			}
		}
	})
}

func TestKey_RepeatedFrontAndEnd(t *testing.T) {
	front, end := sortkey.InFront(nil), sortkey.AtTheEnd(nil)
	for i := 0; i < 1000; i++ {
		f := sortkey.InFront(&front)
		require.True(t, f.Less(front))
		front = f

		e := sortkey.AtTheEnd(&end)
		require.True(t, end.Less(e))
		end = e
	}
	// typical insertions grow keys slowly
	assert.Less(t, front.Len(), 200)
	assert.Less(t, end.Len(), 200)
}

func TestKey_JSON(t *testing.T) {
	in := struct {
		Key sortkey.Key `json:"key"`
	}{Key: key(0x01, 0x7f, 0xff)}

	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"017fff"}`, string(b))

	var out struct {
		Key sortkey.Key `json:"key"`
	}
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in.Key, out.Key)

	assert.Error(t, json.Unmarshal([]byte(`{"key":"zz"}`), &out))
}

func FuzzBetween(f *testing.F) {
	f.Add([]byte{0x01, 0xff}, []byte{0x02, 0x00})
	f.Add([]byte{}, []byte{0x80})
	f.Add([]byte{0x7f, 0xff}, []byte{})
	f.Add([]byte{0x00}, []byte{0x00, 0x00})

	f.Fuzz(func(t *testing.T, a, b []byte) {
		r := sortkey.Between(sortkey.FromBytes(a), sortkey.FromBytes(b))
		lo, hi := a, b
		if sortkey.Compare(lo, hi) > 0 {
			lo, hi = hi, lo
		}
		if sortkey.Compare(lo, hi) == 0 {
			if !bytes.Equal(r.Bytes(), lo) {
				t.Fatalf("Between(%x, %x) = %x, want the operand", a, b, r.Bytes())
			}
			return
		}
		if sortkey.Compare(lo, r.Bytes()) >= 0 || sortkey.Compare(r.Bytes(), hi) >= 0 {
			t.Fatalf("Between(%x, %x) = %x is not strictly between", a, b, r.Bytes())
		}
	})
}
