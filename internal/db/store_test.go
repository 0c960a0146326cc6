package db

import (
	"errors"
	"os"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "badger-test-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := NewStore(tmpDir)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func set(t *testing.T, store *Store, key, value string) {
	t.Helper()
	if err := store.Update(func(txn *Txn) error {
		return txn.Set(key, []byte(value))
	}); err != nil {
		t.Fatalf("set %s: %v", key, err)
	}
}

func TestTxn_GetSet(t *testing.T) {
	store := newTestStore(t)
	set(t, store, "jobs/rec/a", "test-value")

	var got []byte
	err := store.View(func(txn *Txn) error {
		var err error
		got, err = txn.Get("jobs/rec/a")
		return err
	})
	if err != nil {
		t.Fatalf("get value: %v", err)
	}
	if string(got) != "test-value" {
		t.Errorf("expected test-value, got %s", got)
	}
}

func TestTxn_GetNotFound(t *testing.T) {
	store := newTestStore(t)

	err := store.View(func(txn *Txn) error {
		_, err := txn.Get("nonexistent")
		return err
	})
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestTxn_DeleteInSameTransaction(t *testing.T) {
	store := newTestStore(t)
	set(t, store, "k", "v")

	err := store.Update(func(txn *Txn) error {
		if err := txn.Delete("k"); err != nil {
			return err
		}
		return txn.Set("k2", []byte("v2"))
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	store.View(func(txn *Txn) error {
		if _, err := txn.Get("k"); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("expected k deleted, got %v", err)
		}
		if _, err := txn.Get("k2"); err != nil {
			t.Errorf("expected k2 written, got %v", err)
		}
		return nil
	})
}

func TestStore_UpdateRollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	boom := errors.New("boom")

	err := store.Update(func(txn *Txn) error {
		txn.Set("partial", []byte("x"))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	store.View(func(txn *Txn) error {
		if _, err := txn.Get("partial"); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("failed transaction must not commit, got %v", err)
		}
		return nil
	})
}

func TestTxn_ScanOrder(t *testing.T) {
	store := newTestStore(t)

	for _, k := range []string{"idx/b", "idx/a", "idx/c", "other/z"} {
		set(t, store, k, k)
	}

	var keys []string
	err := store.View(func(txn *Txn) error {
		return txn.Scan("idx/", false, func(key, value []byte) (bool, error) {
			if string(key) != string(value) {
				t.Errorf("value mismatch for %s: %s", key, value)
			}
			keys = append(keys, string(key))
			return true, nil
		})
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	want := []string{"idx/a", "idx/b", "idx/c"}
	if len(keys) != len(want) {
		t.Fatalf("expected %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], keys[i])
		}
	}

	var reversed []string
	err = store.View(func(txn *Txn) error {
		return txn.Scan("idx/", true, func(key, _ []byte) (bool, error) {
			reversed = append(reversed, string(key))
			return len(reversed) < 2, nil
		})
	})
	if err != nil {
		t.Fatalf("reverse scan: %v", err)
	}
	if len(reversed) != 2 || reversed[0] != "idx/c" || reversed[1] != "idx/b" {
		t.Errorf("expected [idx/c idx/b], got %v", reversed)
	}
}

func TestStore_Sequence(t *testing.T) {
	store := newTestStore(t)

	seq, err := store.Sequence("seq/test", 10)
	if err != nil {
		t.Fatalf("sequence: %v", err)
	}
	defer seq.Release()

	a, _ := seq.Next()
	b, _ := seq.Next()
	if b <= a {
		t.Errorf("expected increasing values, got %d then %d", a, b)
	}
}
