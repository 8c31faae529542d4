package kafka

import (
	"errors"
	"testing"

	apperrors "github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/errors"
)

func TestDecodeJSON(t *testing.T) {
	type doc struct {
		ID   int64  `json:"id"`
		Ctid string `json:"ctid"`
	}
	got, err := DecodeJSON[doc]([]byte(`{"id":7,"ctid":"(0,1)"}`))
	if err != nil || got.ID != 7 || got.Ctid != "(0,1)" {
		t.Fatalf("unexpected decode %+v, %v", got, err)
	}
	if _, err := DecodeJSON[doc]([]byte(`{"id":`)); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestEncodeKeepsKeys(t *testing.T) {
	msgs, err := encode([]Event{{Key: "1", Value: map[string]int{"a": 1}}, {Key: "2", Value: "x"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || string(msgs[0].Key) != "1" || string(msgs[0].Value) != `{"a":1}` || string(msgs[1].Value) != `"x"` {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if _, err := encode([]Event{{Key: "bad", Value: make(chan int)}}); err == nil {
		t.Fatal("expected an error for an unmarshalable value")
	}
}
