package mailbox_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexframe/swarmmail/internal/config"
	"github.com/hexframe/swarmmail/internal/event"
	"github.com/hexframe/swarmmail/internal/mailbox"
	"github.com/hexframe/swarmmail/internal/projection"
	"github.com/hexframe/swarmmail/internal/store"
	"github.com/hexframe/swarmmail/internal/swarmerr"
)

const project = "proj-test"

type stubSummarizer struct {
	calls   int
	subject string
	bodies  []string
}

func (s *stubSummarizer) Summarize(_ context.Context, subject string, bodies []string) (string, error) {
	s.calls++
	s.subject = subject
	s.bodies = bodies
	return "summary of " + subject, nil
}

func newMailbox(t *testing.T, summarizer mailbox.Summarizer) (*event.Log, *mailbox.Mailbox) {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	log := event.NewLog(s, project, projection.New(nil), nil)
	return log, mailbox.New(log, config.Default().Inbox, summarizer, nil)
}

func register(t *testing.T, log *event.Log, names ...string) {
	t.Helper()
	for _, name := range names {
		ev, err := event.New(project, event.TypeAgentRegistered, event.AgentRegisteredData{Name: name})
		require.NoError(t, err)
		_, err = log.Append(context.Background(), ev)
		require.NoError(t, err)
	}
}

func send(t *testing.T, mb *mailbox.Mailbox, req mailbox.SendRequest) *mailbox.SendResult {
	t.Helper()
	res, err := mb.Send(context.Background(), req)
	require.NoError(t, err)
	return res
}

func TestSendAndInbox(t *testing.T) {
	log, mb := newMailbox(t, nil)
	ctx := context.Background()
	register(t, log, "alice", "bob")

	res := send(t, mb, mailbox.SendRequest{
		From: "alice", To: []string{"bob"}, Subject: "auth handoff", Body: "tokens live in internal/auth",
	})
	assert.Equal(t, []string{"bob"}, res.Recipients)

	headers, err := mb.Inbox(ctx, "bob", mailbox.InboxOptions{})
	require.NoError(t, err)
	require.Len(t, headers, 1)
	assert.Equal(t, "alice", headers[0].From)
	assert.Equal(t, "auth handoff", headers[0].Subject)
	assert.Empty(t, headers[0].Body, "headers must not carry bodies")
	assert.Equal(t, "normal", headers[0].Importance)
	assert.Nil(t, headers[0].ReadAt)

	withBodies, err := mb.Inbox(ctx, "bob", mailbox.InboxOptions{IncludeBodies: true})
	require.NoError(t, err)
	assert.Equal(t, "tokens live in internal/auth", withBodies[0].Body)

	// The sender has no inbox entry.
	own, err := mb.Inbox(ctx, "alice", mailbox.InboxOptions{})
	require.NoError(t, err)
	assert.Empty(t, own)
}

func TestSendValidation(t *testing.T) {
	log, mb := newMailbox(t, nil)
	ctx := context.Background()
	register(t, log, "alice", "bob")

	_, err := mb.Send(ctx, mailbox.SendRequest{From: "ghost", To: []string{"bob"}, Body: "hi"})
	assert.True(t, swarmerr.IsNotFound(err))

	_, err = mb.Send(ctx, mailbox.SendRequest{From: "alice", To: []string{"nobody"}, Body: "hi"})
	assert.True(t, swarmerr.IsNotFound(err))

	_, err = mb.Send(ctx, mailbox.SendRequest{From: "alice", To: []string{"bob"}})
	assert.True(t, swarmerr.IsValidation(err))

	_, err = mb.Send(ctx, mailbox.SendRequest{From: "alice", To: []string{"bob"}, Body: "hi", Importance: "asap"})
	assert.True(t, swarmerr.IsValidation(err))
}

func TestBroadcastExpandsAtSendTime(t *testing.T) {
	log, mb := newMailbox(t, nil)
	ctx := context.Background()
	register(t, log, "alice", "bob", "carol")

	res := send(t, mb, mailbox.SendRequest{
		From: "alice", To: []string{"*"}, Subject: "standup", Body: "status?",
	})
	assert.True(t, res.Broadcast)
	assert.Equal(t, []string{"bob", "carol"}, res.Recipients)

	register(t, log, "dave")
	headers, err := mb.Inbox(ctx, "dave", mailbox.InboxOptions{})
	require.NoError(t, err)
	assert.Empty(t, headers, "agents registered after the send see nothing")
}

func TestInboxCapAndUnreadFilter(t *testing.T) {
	log, mb := newMailbox(t, nil)
	ctx := context.Background()
	register(t, log, "alice", "bob")

	for i := 0; i < 7; i++ {
		send(t, mb, mailbox.SendRequest{
			From: "alice", To: []string{"bob"}, Subject: fmt.Sprintf("msg %d", i), Body: "x",
		})
	}

	headers, err := mb.Inbox(ctx, "bob", mailbox.InboxOptions{})
	require.NoError(t, err)
	assert.Len(t, headers, 5)
	assert.Equal(t, "msg 6", headers[0].Subject, "newest first")

	clamped, err := mb.Inbox(ctx, "bob", mailbox.InboxOptions{Limit: 100})
	require.NoError(t, err)
	assert.Len(t, clamped, 5, "limit above the cap is clamped, not honored")

	newest := headers[0].ID
	_, err = mb.Read(ctx, newest, "bob")
	require.NoError(t, err)

	unread, err := mb.Inbox(ctx, "bob", mailbox.InboxOptions{UnreadOnly: true})
	require.NoError(t, err)
	assert.Len(t, unread, 5)
	for _, h := range unread {
		assert.NotEqual(t, newest, h.ID)
	}
}

func TestReadIsRecipientOnlyAndIdempotent(t *testing.T) {
	log, mb := newMailbox(t, nil)
	ctx := context.Background()
	register(t, log, "alice", "bob", "carol")

	res := send(t, mb, mailbox.SendRequest{
		From: "alice", To: []string{"bob"}, Subject: "s", Body: "the body",
	})

	msg, err := mb.Read(ctx, res.MessageID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "the body", msg.Body)
	require.NotNil(t, msg.ReadAt)
	first := *msg.ReadAt

	again, err := mb.Read(ctx, res.MessageID, "bob")
	require.NoError(t, err)
	require.NotNil(t, again.ReadAt)
	assert.Equal(t, first, *again.ReadAt, "rereads keep the first timestamp")

	_, err = mb.Read(ctx, res.MessageID, "carol")
	assert.True(t, swarmerr.IsNotFound(err), "non-recipients cannot read")

	_, err = mb.Read(ctx, "msg_missing", "bob")
	assert.True(t, swarmerr.IsNotFound(err))
}

func TestAckRecordsTimestamp(t *testing.T) {
	log, mb := newMailbox(t, nil)
	ctx := context.Background()
	register(t, log, "alice", "bob")

	res := send(t, mb, mailbox.SendRequest{
		From: "alice", To: []string{"bob"}, Subject: "s", Body: "b", AckRequired: true,
	})

	msg, err := mb.Ack(ctx, res.MessageID, "bob")
	require.NoError(t, err)
	require.NotNil(t, msg.AckedAt)

	again, err := mb.Ack(ctx, res.MessageID, "bob")
	require.NoError(t, err)
	assert.Equal(t, *msg.AckedAt, *again.AckedAt)
}

func TestSummarizeThread(t *testing.T) {
	summarizer := &stubSummarizer{}
	log, mb := newMailbox(t, summarizer)
	ctx := context.Background()
	register(t, log, "alice", "bob")

	for i, body := range []string{"plan is X", "X breaks login", "agreed, doing Y"} {
		from, to := "alice", "bob"
		if i%2 == 1 {
			from, to = "bob", "alice"
		}
		send(t, mb, mailbox.SendRequest{
			From: from, To: []string{to}, Subject: "rollout plan", Body: body, ThreadID: "thr_1",
		})
	}

	summary, err := mb.SummarizeThread(ctx, "thr_1", mailbox.SummarizeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.MessageCount)
	assert.Equal(t, []string{"alice", "bob"}, summary.Participants)
	assert.Equal(t, "rollout plan", summary.Subject)
	assert.Empty(t, summary.Summary)
	assert.Zero(t, summarizer.calls)

	prose, err := mb.SummarizeThread(ctx, "thr_1", mailbox.SummarizeOptions{LLM: true})
	require.NoError(t, err)
	assert.Equal(t, "summary of rollout plan", prose.Summary)
	assert.Len(t, summarizer.bodies, 3)

	_, err = mb.SummarizeThread(ctx, "thr_nope", mailbox.SummarizeOptions{})
	assert.True(t, swarmerr.IsNotFound(err))
}

func TestSearchAndThreads(t *testing.T) {
	log, mb := newMailbox(t, nil)
	ctx := context.Background()
	register(t, log, "alice", "bob")

	send(t, mb, mailbox.SendRequest{
		From: "alice", To: []string{"bob"}, Subject: "deploy window", Body: "friday 3pm", ThreadID: "thr_ops",
	})
	send(t, mb, mailbox.SendRequest{
		From: "bob", To: []string{"alice"}, Subject: "re: window", Body: "deploy is risky friday", ThreadID: "thr_ops",
	})
	send(t, mb, mailbox.SendRequest{
		From: "alice", To: []string{"bob"}, Subject: "lunch", Body: "tacos?",
	})

	found, err := mb.Search(ctx, "deploy", 0)
	require.NoError(t, err)
	assert.Len(t, found, 2)

	threads, err := mb.Threads(ctx, 0)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, "thr_ops", threads[0].ThreadID)
	assert.Equal(t, 2, threads[0].MessageCount)

	msgs, err := mb.ThreadMessages(ctx, "thr_ops")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "friday 3pm", msgs[0].Body, "thread messages are oldest first with bodies")
}
