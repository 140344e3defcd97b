package fitsimg

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/astrogo/fitsio"
)

var (
	// ErrCorrupt marks a file that cannot be parsed as FITS or has a truncated data unit.
	ErrCorrupt = errors.New("corrupt FITS file")
	// ErrEmpty marks a file without usable pixel data.
	ErrEmpty = errors.New("empty FITS image")
	// ErrNoImage is returned when no HDU carries a 2-D image.
	ErrNoImage = errors.New("no image HDU")
)

// Card is one keyword record of a header.
type Card struct {
	Key     string
	Value   any
	Comment string
}

// Header is the ordered list of keyword cards of one HDU.
// Commentary cards (COMMENT, HISTORY, blank keys) are kept for round trips
// but are not fields.
type Header struct {
	cards []Card
	index map[string]int
}

// NewHeader builds a header from cards; later duplicates override earlier ones.
func NewHeader(cards ...Card) *Header {
	h := &Header{index: make(map[string]int, len(cards))}
	for _, c := range cards {
		h.Add(c)
	}
	return h
}

// Add appends a card, replacing the value of an existing field with the same key.
func (h *Header) Add(c Card) {
	c.Key = strings.ToUpper(strings.TrimSpace(c.Key))
	c.Value = normalizeValue(c.Value)
	if isCommentary(c.Key) {
		h.cards = append(h.cards, c)
		return
	}
	if i, ok := h.index[c.Key]; ok {
		h.cards[i] = c
		return
	}
	h.index[c.Key] = len(h.cards)
	h.cards = append(h.cards, c)
}

// Keys lists the field names in header order.
func (h *Header) Keys() []string {
	if h == nil {
		return nil
	}
	keys := make([]string, 0, len(h.index))
	for _, c := range h.cards {
		if !isCommentary(c.Key) {
			keys = append(keys, c.Key)
		}
	}
	return keys
}

// Get returns the value of a field. Keys are case-insensitive.
func (h *Header) Get(key string) (any, bool) {
	if h == nil {
		return nil, false
	}
	i, ok := h.index[strings.ToUpper(strings.TrimSpace(key))]
	if !ok {
		return nil, false
	}
	return h.cards[i].Value, true
}

// Has reports whether key is a field of the header.
func (h *Header) Has(key string) bool {
	_, ok := h.Get(key)
	return ok
}

// Len is the number of fields.
func (h *Header) Len() int {
	if h == nil {
		return 0
	}
	return len(h.index)
}

// Cards returns a copy of every card, commentary included.
func (h *Header) Cards() []Card {
	if h == nil {
		return nil
	}
	return append([]Card(nil), h.cards...)
}

// Float returns a numeric field as float64.
func (h *Header) Float(key string) (float64, bool) {
	v, ok := h.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// Int returns an integer field.
func (h *Header) Int(key string) (int64, bool) {
	v, ok := h.Get(key)
	if !ok {
		return 0, false
	}
	n, ok := v.(int64)
	return n, ok
}

// FromFITS copies the cards of a fitsio header.
func FromFITS(fh *fitsio.Header) *Header {
	h := NewHeader()
	if fh == nil {
		return h
	}
	for _, k := range fh.Keys() {
		c := fh.Get(k)
		if c == nil || isCommentary(strings.ToUpper(c.Name)) {
			continue
		}
		h.Add(Card{Key: c.Name, Value: c.Value, Comment: c.Comment})
	}
	return h
}

// ToFITS converts cards back to fitsio cards, skipping the structural keywords
// that fitsio writes itself.
func ToFITS(cards []Card) []fitsio.Card {
	out := make([]fitsio.Card, 0, len(cards))
	for _, c := range cards {
		if isStructural(c.Key) {
			continue
		}
		out = append(out, fitsio.Card{Name: c.Key, Value: c.Value, Comment: c.Comment})
	}
	return out
}

// ReadHeader returns the primary header of the FITS file at path.
func ReadHeader(path string) (*Header, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	f, err := fitsio.Open(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	defer f.Close()
	return HeaderFromFile(f)
}

// HeaderFromFile returns the header of the first HDU of an opened file.
func HeaderFromFile(f *fitsio.File) (*Header, error) {
	if f == nil || len(f.HDUs()) == 0 {
		return nil, fmt.Errorf("%w: no HDU", ErrCorrupt)
	}
	return FromFITS(f.HDU(0).Header()), nil
}

func isCommentary(key string) bool {
	switch key {
	case "", "COMMENT", "HISTORY", "END":
		return true
	}
	return false
}

func isStructural(key string) bool {
	switch key {
	case "SIMPLE", "XTENSION", "BITPIX", "EXTEND", "PCOUNT", "GCOUNT", "END", "TFIELDS":
		return true
	}
	return strings.HasPrefix(key, "NAXIS") ||
		strings.HasPrefix(key, "TTYPE") ||
		strings.HasPrefix(key, "TFORM")
}

// normalizeValue maps the numeric kinds fitsio may produce onto
// int64, float64 and complex128.
func normalizeValue(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case float32:
		return float64(n)
	case complex64:
		return complex128(n)
	case *big.Int:
		if n.IsInt64() {
			return n.Int64()
		}
		f, _ := new(big.Float).SetInt(n).Float64()
		return f
	}
	return v
}
