package loamdb_test

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/aretw0/loamdb"
)

// Example_basic opens a store, saves a document and reads it back.
func Example_basic() {
	dir, err := os.MkdirTemp("", "loamdb-example-*")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	s, err := loamdb.Open(dir)
	if err != nil {
		log.Fatal(err)
	}
	defer s.Close()

	ctx := context.Background()
	h, err := s.Get(ctx, "hello-world")
	if err != nil {
		log.Fatal(err)
	}
	h.Set("author", "Gopher")
	if err := h.Save(ctx); err != nil {
		log.Fatal(err)
	}

	found, err := s.Exists(ctx, "hello-world")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(found, h.Revision().Generation())
	// Output:
	// true 1
}

// ExampleNewRepository uses the typed wrapper.
func ExampleNewRepository() {
	s, err := loamdb.Open("", loamdb.WithAdapter(loamdb.AdapterMemory))
	if err != nil {
		log.Fatal(err)
	}
	defer s.Close()

	type User struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	}

	users := loamdb.NewRepository[User](s)
	ctx := context.Background()

	alice, err := users.Get(ctx, "users/alice")
	if err != nil {
		log.Fatal(err)
	}
	alice.Data = User{Name: "Alice", Email: "alice@example.com"}
	if err := alice.Save(ctx); err != nil {
		log.Fatal(err)
	}

	list, err := users.List(ctx)
	if err != nil {
		log.Fatal(err)
	}
	for _, u := range list {
		fmt.Printf("%s: %s\n", u.ID(), u.Data.Email)
	}
	// Output:
	// users/alice: alice@example.com
}

// ExampleStore_AddChangeListener prints one line per commit.
func ExampleStore_AddChangeListener() {
	s, err := loamdb.Open("", loamdb.WithAdapter(loamdb.AdapterMemory))
	if err != nil {
		log.Fatal(err)
	}
	defer s.Close()

	done := make(chan struct{})
	s.AddChangeListener(func(c loamdb.Change) {
		fmt.Println(c.IDs())
		close(done)
	})

	ctx := context.Background()
	a, _ := s.Get(ctx, "a")
	b, _ := s.Get(ctx, "b")
	_, err = s.InBatch(ctx, func(ctx context.Context) (bool, error) {
		if err := a.Save(ctx); err != nil {
			return false, err
		}
		return true, b.Save(ctx)
	})
	if err != nil {
		log.Fatal(err)
	}
	<-done
	// Output:
	// [a b]
}
