package redis

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/pawpair/adoption-chat/domain"
)

func TestMessageConversion(t *testing.T) {
	want := domain.Message{
		ConversationID: "adopter~owner",
		SenderID:       "adopter",
		RecipientID:    "owner",
		Body:           "Thanks!",
		CreatedAt:      time.Date(2024, 1, 1, 12, 30, 0, 123, time.UTC),
		ServerSeq:      7,
	}
	if diff := cmp.Diff(want, fromDomain(want).DomainMessage()); diff != "" {
		t.Errorf("conversion mismatch (-want +got):\n%s", diff)
	}
}

func TestKeys(t *testing.T) {
	if got := indexKey("a~b"); got != "conversations:a~b:messages" {
		t.Errorf("indexKey() = %q", got)
	}
	if got := messageKey("a~b", 12); got != "conversations:a~b:messages:12" {
		t.Errorf("messageKey() = %q", got)
	}
}
