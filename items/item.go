// Package items keeps the user-ordered item list. Every item carries a
// sortkey.Key and the list is read back in key order, so moving an item only
// ever rewrites that one item.
package items

import (
	"context"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/parkerroan/sortgate/sortkey"
)

var (
	// ErrNotFound is returned when a referenced item does not exist.
	ErrNotFound = errors.New("item not found")
	// ErrConflict is returned when a move cannot be applied to the current list.
	ErrConflict = errors.New("item order conflict")
	// ErrInvalidID is returned when parsing a malformed item id.
	ErrInvalidID = errors.New("invalid item id")
)

const idPrefix = "i-"

// ID identifies an item. Its text form is "i-" followed by the decimal number.
type ID uint64

func (id ID) String() string {
	return idPrefix + strconv.FormatUint(uint64(id), 10)
}

// ParseID parses the text form of an ID.
func ParseID(s string) (ID, error) {
	digits, ok := strings.CutPrefix(s, idPrefix)
	if !ok {
		return 0, errors.WithDetailf(ErrInvalidID, "%q does not start with %q", s, idPrefix)
	}
	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "parse item id %q", s), ErrInvalidID)
	}
	return ID(n), nil
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Data is the user-editable part of an item.
type Data struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
}

// Item is one row of the list.
type Item struct {
	ID   ID          `json:"id"`
	Key  sortkey.Key `json:"key"`
	Data Data        `json:"data"`
}

// Order asks for Curr to be placed between Prev and Next. A missing Prev
// means the front of the list, a missing Next the end.
type Order struct {
	Prev *ID `json:"prev,omitempty"`
	Curr ID  `json:"curr"`
	Next *ID `json:"next,omitempty"`
}

// Store persists the list.
type Store interface {
	// List returns all items in key order.
	List(ctx context.Context) ([]Item, error)
	Get(ctx context.Context, id ID) (Item, error)
	// Create adds an item in front of the list.
	Create(ctx context.Context, data Data) (Item, error)
	// Update replaces the data of an item, keeping its position.
	Update(ctx context.Context, id ID, data Data) (Item, error)
	// Move repositions an item and returns it with its new key.
	Move(ctx context.Context, o Order) (Item, error)
}

// NewKey returns the key for an item placed between prev and next, as found
// in the list. It returns false when neither neighbour is given.
func NewKey(prev, next *sortkey.Key) (sortkey.Key, bool) {
	switch {
	case prev != nil && next != nil:
		return sortkey.Between(*prev, *next), true
	case prev != nil:
		return sortkey.AtTheEnd(prev), true
	case next != nil:
		return sortkey.InFront(next), true
	default:
		return sortkey.Key{}, false
	}
}

// validate rejects orders that place an item next to itself.
func (o Order) validate() error {
	if (o.Prev != nil && *o.Prev == o.Curr) || (o.Next != nil && *o.Next == o.Curr) {
		return errors.WithDetailf(ErrConflict, "%s cannot be its own neighbour", o.Curr)
	}
	if o.Prev != nil && o.Next != nil && *o.Prev == *o.Next {
		return errors.WithDetailf(ErrConflict, "%s given as both neighbours", *o.Prev)
	}
	return nil
}

// neighbourKey returns the key of the neighbour with the given id, or nil
// when the id is nil.
func neighbourKey(id *ID, lookup func(ID) (Item, error)) (*sortkey.Key, error) {
	if id == nil {
		return nil, nil
	}
	it, err := lookup(*id)
	if err != nil {
		return nil, err
	}
	return &it.Key, nil
}

// notFound wraps ErrNotFound with the missing id.
func notFound(id ID) error {
	return errors.WithDetailf(ErrNotFound, "%s", id)
}
