package trie

import (
	"math/rand"
	"testing"
)

type value struct {
	n int
}

func TestSetGet(t *testing.T) {
	var tr Trie[value]

	keys := []uintptr{0, 1, 63, 64, 0xdeadbeef >> 3, 1<<47 - 1, 1 << 40}
	for i, key := range keys {
		tr.Set(key, &value{n: i})
	}

	for i, key := range keys {
		v := tr.Get(key)
		if v == nil {
			t.Fatalf("key %#x: missing", key)
		}
		if v.n != i {
			t.Errorf("key %#x: got %d, want %d", key, v.n, i)
		}
	}

	for _, key := range []uintptr{2, 65, 1 << 30} {
		if tr.Get(key) != nil {
			t.Errorf("key %#x: present but never set", key)
		}
	}
}

func TestSetReplaces(t *testing.T) {
	var tr Trie[value]

	tr.Set(42, &value{n: 1})
	tr.Set(42, &value{n: 2})

	if v := tr.Get(42); v == nil || v.n != 2 {
		t.Errorf("got %v, want n=2", v)
	}
}

func TestGetOrInsert(t *testing.T) {
	var tr Trie[value]

	created := 0
	make1 := func() *value {
		created++
		return &value{n: created}
	}

	a := tr.GetOrInsert(7, make1)
	b := tr.GetOrInsert(7, make1)
	if a != b {
		t.Error("second GetOrInsert did not return the existing entry")
	}
	if created != 1 {
		t.Errorf("create called %d times, want 1", created)
	}
}

func TestIterate(t *testing.T) {
	var tr Trie[value]

	want := map[uintptr]int{}
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		key := uintptr(r.Int63n(1 << 45))
		want[key] = i
		tr.Set(key, &value{n: i})
	}

	got := map[uintptr]int{}
	tr.Iterate(func(key uintptr, v *value) {
		if _, dup := got[key]; dup {
			t.Fatalf("key %#x visited twice", key)
		}
		got[key] = v.n
	})

	if len(got) != len(want) {
		t.Fatalf("visited %d entries, want %d", len(got), len(want))
	}
	for key, n := range want {
		if got[key] != n {
			t.Errorf("key %#x: got %d, want %d", key, got[key], n)
		}
	}
}

func TestShardsCoverEverything(t *testing.T) {
	var tr Trie[value]

	const count = 8192
	for i := 0; i < count; i++ {
		// Word-shifted addresses: dense low bits, shared high bits.
		tr.Set(uintptr(0x00c0ffee0000+i*2), &value{n: i})
	}

	for _, workers := range []int{1, 2, 4, 7, 16} {
		shards := tr.Shards(workers)
		if len(shards) != workers {
			t.Fatalf("workers=%d: got %d shards", workers, len(shards))
		}

		seen := map[uintptr]bool{}
		for i := range shards {
			shards[i].Iterate(func(key uintptr, v *value) {
				if seen[key] {
					t.Fatalf("workers=%d: key %#x in two shards", workers, key)
				}
				seen[key] = true
			})
		}
		if len(seen) != count {
			t.Errorf("workers=%d: shards covered %d entries, want %d", workers, len(seen), count)
		}
	}
}

func TestShardsEmpty(t *testing.T) {
	var tr Trie[value]

	shards := tr.Shards(4)
	if len(shards) != 4 {
		t.Fatalf("got %d shards, want 4", len(shards))
	}
	for i := range shards {
		shards[i].Iterate(func(key uintptr, v *value) {
			t.Errorf("entry %#x in a shard of an empty trie", key)
		})
	}
}

func TestRetainIf(t *testing.T) {
	var tr Trie[value]

	const count = 4096
	for i := 0; i < count; i++ {
		tr.Set(uintptr(0x7f000000+i), &value{n: i})
	}

	removed := 0
	shards := tr.Shards(4)
	for i := range shards {
		removed += shards[i].RetainIf(func(key uintptr, v *value) bool {
			return v.n%2 == 0
		})
	}
	if removed != count/2 {
		t.Fatalf("removed %d entries, want %d", removed, count/2)
	}

	for i := 0; i < count; i++ {
		v := tr.Get(uintptr(0x7f000000 + i))
		if i%2 == 0 && (v == nil || v.n != i) {
			t.Errorf("key %d: survivor missing", i)
		}
		if i%2 == 1 && v != nil {
			t.Errorf("key %d: removed entry still present", i)
		}
	}

	// Removed slots must be reusable.
	tr.Set(uintptr(0x7f000000+1), &value{n: -1})
	if v := tr.Get(uintptr(0x7f000000 + 1)); v == nil || v.n != -1 {
		t.Error("reinsert after removal failed")
	}
}

func TestKeyReconstruction(t *testing.T) {
	var tr Trie[value]

	keys := []uintptr{0, 5, 1 << 20, 1<<44 | 3, 0x0000_7ffe_dead_beef >> 3}
	for _, key := range keys {
		tr.Set(key, &value{})
	}

	seen := map[uintptr]bool{}
	shards := tr.Shards(3)
	for i := range shards {
		shards[i].Iterate(func(key uintptr, v *value) {
			seen[key] = true
		})
	}
	for _, key := range keys {
		if !seen[key] {
			t.Errorf("key %#x not reconstructed by shard iteration", key)
		}
	}
}
