package ses

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/rs/zerolog"

	"github.com/shineum/mailkit/internal/provider"
)

// mockSESClient implements SendEmailAPI for testing.
type mockSESClient struct {
	sendFn    func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	callCount int
	lastInput *sesv2.SendEmailInput
}

func (m *mockSESClient) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.callCount++
	m.lastInput = params
	if m.sendFn != nil {
		return m.sendFn(ctx, params, optFns...)
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("test-message-id")}, nil
}

var testEnvelope = provider.Envelope{
	From:       "sender@example.com",
	Recipients: []string{"to@example.com", "hidden@example.com"},
}

const testRaw = "From: sender@example.com\r\nTo: to@example.com\r\nSubject: hi\r\n\r\nbody\r\n"

func TestName(t *testing.T) {
	t.Parallel()
	p := NewWithClient(&mockSESClient{}, Config{}, zerolog.Nop())
	if got := p.Name(); got != "ses" {
		t.Errorf("Name(): got %q, want %q", got, "ses")
	}
}

func TestSend_RawMessageWithEnvelope(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient(mock, Config{}, zerolog.Nop())

	rejected, err := p.Send(context.Background(), testEnvelope, []byte(testRaw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rejected) != 0 {
		t.Errorf("rejected: got %v, want none", rejected)
	}
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}

	input := mock.lastInput
	if got := *input.FromEmailAddress; got != "sender@example.com" {
		t.Errorf("FromEmailAddress: got %q", got)
	}
	if input.Content.Raw == nil {
		t.Fatal("expected raw content, got nil")
	}
	if got := string(input.Content.Raw.Data); got != testRaw {
		t.Errorf("raw data: got %q", got)
	}
	if input.Content.Simple != nil {
		t.Error("expected no simple content")
	}

	// Bcc-style recipients travel only in the destination list.
	dest := input.Destination.ToAddresses
	if len(dest) != 2 || dest[1] != "hidden@example.com" {
		t.Errorf("destination: got %v", dest)
	}
	if input.ConfigurationSetName != nil {
		t.Errorf("ConfigurationSetName: got %q, want nil", *input.ConfigurationSetName)
	}
}

func TestSend_ConfigurationSet(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient(mock, Config{ConfigurationSet: "tracking"}, zerolog.Nop())

	if _, err := p.Send(context.Background(), testEnvelope, []byte(testRaw)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := aws.ToString(mock.lastInput.ConfigurationSetName); got != "tracking" {
		t.Errorf("ConfigurationSetName: got %q", got)
	}
}

func TestSend_APIErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	apiErr := errors.New("throttled")
	mock := &mockSESClient{
		sendFn: func(context.Context, *sesv2.SendEmailInput, ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, apiErr
		},
	}
	p := NewWithClient(mock, Config{}, zerolog.Nop())

	_, err := p.Send(context.Background(), testEnvelope, []byte(testRaw))
	if !errors.Is(err, apiErr) {
		t.Fatalf("got %v, want wrapped %v", err, apiErr)
	}
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}
}

func TestSend_MessageRejectedRejectsEveryRecipient(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(context.Context, *sesv2.SendEmailInput, ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, &types.MessageRejected{Message: aws.String("Email address is not verified.")}
		},
	}
	p := NewWithClient(mock, Config{}, zerolog.Nop())

	rejected, err := p.Send(context.Background(), testEnvelope, []byte(testRaw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rejected) != len(testEnvelope.Recipients) {
		t.Fatalf("rejected: got %d, want %d", len(rejected), len(testEnvelope.Recipients))
	}
	for _, r := range testEnvelope.Recipients {
		if rejected[r] == nil {
			t.Errorf("recipient %s not marked rejected", r)
		}
	}
}
