package notifications

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

func TestExtractGroupingKey(t *testing.T) {
	schema := KindSchema{
		Kind:          "client_document_validated",
		GroupingPaths: []string{"client_produit_id", "dossier_id", "metadata.dossier_id"},
	}

	cases := []struct {
		name    string
		detail  string
		wantKey string
		wantOK  bool
		wantErr bool
	}{
		{name: "first path", detail: `{"client_produit_id":"cp-1","dossier_id":"d-9"}`, wantKey: "cp-1", wantOK: true},
		{name: "fallback path", detail: `{"dossier_id":"d-9"}`, wantKey: "d-9", wantOK: true},
		{name: "nested fallback", detail: `{"metadata":{"dossier_id":"d-3"}}`, wantKey: "d-3", wantOK: true},
		{name: "empty string falls through", detail: `{"client_produit_id":"  ","dossier_id":"d-9"}`, wantKey: "d-9", wantOK: true},
		{name: "null falls through", detail: `{"client_produit_id":null,"dossier_id":"d-9"}`, wantKey: "d-9", wantOK: true},
		{name: "integer id", detail: `{"dossier_id":12345678901234}`, wantKey: "12345678901234", wantOK: true},
		{name: "missing", detail: `{"other":"x"}`, wantOK: false},
		{name: "empty detail", detail: ``, wantOK: false},
		{name: "null detail", detail: `null`, wantOK: false},
		{name: "object key", detail: `{"client_produit_id":{"id":"x"}}`, wantErr: true},
		{name: "fractional key", detail: `{"dossier_id":1.5}`, wantErr: true},
		{name: "array detail", detail: `["x"]`, wantErr: true},
		{name: "broken json", detail: `{"dossier_id":`, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := &Notification{ID: uuid.New(), Kind: schema.Kind, Detail: datatypes.JSON([]byte(tc.detail))}
			key, ok, err := ExtractGroupingKey(schema, n)
			if tc.wantErr {
				if !errors.Is(err, ErrMalformedPayload) {
					t.Fatalf("err: want ErrMalformedPayload got=%v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			if ok != tc.wantOK {
				t.Fatalf("ok: want=%v got=%v", tc.wantOK, ok)
			}
			if key != tc.wantKey {
				t.Fatalf("key: want=%q got=%q", tc.wantKey, key)
			}
		})
	}
}

func TestExtractGroupingKeyDeterministic(t *testing.T) {
	schema := KindSchema{GroupingPaths: []string{"client_id"}}
	n := &Notification{ID: uuid.New(), Detail: datatypes.JSON([]byte(`{"client_id":"client-42"}`))}
	first, _, _ := ExtractGroupingKey(schema, n)
	for i := 0; i < 10; i++ {
		got, _, _ := ExtractGroupingKey(schema, n)
		if got != first {
			t.Fatalf("run %d: want=%q got=%q", i, first, got)
		}
	}
}

func TestPriorityHint(t *testing.T) {
	schema := KindSchema{PriorityPath: "priority"}
	doc, err := DecodeDetail(datatypes.JSON([]byte(`{"priority":"URGENT"}`)))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	p, ok := PriorityHint(schema, doc)
	if !ok || p != PriorityUrgent {
		t.Fatalf("hint: want=urgent got=%q ok=%v", p, ok)
	}
	doc, _ = DecodeDetail(datatypes.JSON([]byte(`{"priority":"soon"}`)))
	if _, ok := PriorityHint(schema, doc); ok {
		t.Fatalf("unknown priority should not be accepted")
	}
}

func TestCheckShape(t *testing.T) {
	parent := uuid.New()
	if err := CheckShape(&Notification{ID: uuid.New(), Role: RoleChild, ParentRef: &parent}); err != nil {
		t.Fatalf("hidden child: %v", err)
	}
	if err := CheckShape(&Notification{ID: uuid.New(), Role: RoleChild}); !errors.Is(err, ErrInvalidShape) {
		t.Fatalf("orphan child: want ErrInvalidShape got=%v", err)
	}
	if err := CheckShape(&Notification{ID: uuid.New(), Role: RoleParent, Visible: true, ParentRef: &parent}); !errors.Is(err, ErrInvalidShape) {
		t.Fatalf("nested parent: want ErrInvalidShape got=%v", err)
	}
	if err := CheckShape(&Notification{ID: uuid.New(), Role: RoleChild, ParentRef: &parent, Visible: true}); !errors.Is(err, ErrInvalidShape) {
		t.Fatalf("visible child: want ErrInvalidShape got=%v", err)
	}
}

func TestParseRecipientRef(t *testing.T) {
	id := uuid.New()
	got, err := ParseRecipientRef(" expert:" + id.String())
	if err != nil || got != (RecipientRef{ID: id, Kind: "expert"}) {
		t.Fatalf("ParseRecipientRef: got=%v err=%v", got, err)
	}
	if back, err := ParseRecipientRef(got.String()); err != nil || back != got {
		t.Fatalf("String form must parse back: %v %v", back, err)
	}
	for _, raw := range []string{"", id.String(), ":" + id.String(), "expert:nope"} {
		if _, err := ParseRecipientRef(raw); err == nil {
			t.Fatalf("ParseRecipientRef(%q): want error", raw)
		}
	}
}
