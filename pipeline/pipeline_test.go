package pipeline

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quailyquaily/wamux/connection"
	"github.com/quailyquaily/wamux/llm"
	"github.com/quailyquaily/wamux/session"
	"github.com/quailyquaily/wamux/sheets"
)

type sentText struct {
	target string
	text   string
}

type sentMedia struct {
	target  string
	media   connection.Media
	asVoice bool
}

type fakeConn struct {
	mu     sync.Mutex
	texts  []sentText
	medias []sentMedia
}

func (c *fakeConn) Initialize(ctx context.Context) error { return nil }

func (c *fakeConn) SendText(ctx context.Context, target, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, sentText{target: target, text: text})
	return nil
}

func (c *fakeConn) SendMedia(ctx context.Context, target string, media connection.Media, opts connection.SendMediaOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.medias = append(c.medias, sentMedia{target: target, media: media, asVoice: opts.AsVoice})
	return nil
}

func (c *fakeConn) State(ctx context.Context) (connection.State, error) {
	return connection.StateConnected, nil
}

func (c *fakeConn) Destroy(ctx context.Context) error { return nil }

type fakeLLM struct {
	reply string
	err   error
	last  llm.Request
}

func (f *fakeLLM) Chat(ctx context.Context, req llm.Request) (llm.Result, error) {
	f.last = req
	if f.err != nil {
		return llm.Result{}, f.err
	}
	return llm.Result{Text: f.reply}, nil
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	return f.text, f.err
}

type fakeSynthesizer struct {
	audio []byte
	err   error
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return f.audio, f.err
}

type fakeLog struct {
	appended  []sheets.Entry
	appendErr error
	entry     sheets.Entry
	found     bool
}

func (f *fakeLog) Append(ctx context.Context, e sheets.Entry) error {
	f.appended = append(f.appended, e)
	return f.appendErr
}

func (f *fakeLog) Read(ctx context.Context, correspondent, sessionID string) (sheets.Entry, bool) {
	return f.entry, f.found
}

type fixture struct {
	record *session.Record
	conn   *fakeConn
	llm    *fakeLLM
	trans  *fakeTranscriber
	synth  *fakeSynthesizer
	log    *fakeLog
	pipe   *Pipeline
}

func newFixture(t *testing.T, withVoice bool) *fixture {
	t.Helper()
	reg := session.NewRegistry(t.TempDir(), nil)
	rec, err := reg.Create(session.Config{
		SessionID:      "s1",
		GeminiAPIKey:   "gk",
		DeepgramAPIKey: "dk",
		GoogleSheetsID: "sheet",
		Prompt:         "You are a friendly bot.",
	})
	if err != nil {
		t.Fatalf("create record: %v", err)
	}

	f := &fixture{
		record: rec,
		conn:   &fakeConn{},
		llm:    &fakeLLM{reply: "hello there"},
		trans:  &fakeTranscriber{text: "voice message text"},
		log:    &fakeLog{},
	}
	opts := Options{
		Record:          rec,
		Sender:          connection.NewAdapter(f.conn, nil),
		LLM:             f.llm,
		Transcriber:     f.trans,
		Log:             f.log,
		ScratchDir:      t.TempDir(),
		TextReplyDelay:  time.Millisecond,
		AudioReplyDelay: time.Millisecond,
	}
	if withVoice {
		f.synth = &fakeSynthesizer{audio: []byte("mp3 bytes")}
		opts.Synthesizer = f.synth
	}
	f.pipe = New(opts)
	return f
}

func textMessage(body string) connection.Message {
	return connection.Message{From: "111@c.us", To: "999@c.us", Kind: connection.KindText, Body: body}
}

func TestHandleTextReplies(t *testing.T) {
	f := newFixture(t, false)
	f.pipe.Handle(context.Background(), textMessage("hi"))

	if len(f.conn.texts) != 1 {
		t.Fatalf("expected 1 text sent, got %d", len(f.conn.texts))
	}
	if f.conn.texts[0].text != "hello there" {
		t.Fatalf("unexpected reply: %q", f.conn.texts[0].text)
	}
	if got := f.record.History().Len("111@c.us"); got != 2 {
		t.Fatalf("expected 2 history entries, got %d", got)
	}
	if !strings.Contains(f.llm.last.Messages[0].Content, "You are a friendly bot.") {
		t.Fatal("prompt must include session prompt")
	}
	if f.llm.last.MaxOutputTokens != 250 || f.llm.last.Temperature != 0.8 {
		t.Fatalf("unexpected generation parameters: %+v", f.llm.last)
	}
}

func TestHandleMutedIsNoOp(t *testing.T) {
	f := newFixture(t, false)
	f.record.SetBotActive(false)

	for i := 0; i < 5; i++ {
		f.pipe.Handle(context.Background(), textMessage("hi"))
	}

	if len(f.conn.texts) != 0 || len(f.conn.medias) != 0 {
		t.Fatal("muted session must not send anything")
	}
	if got := f.record.History().Len("111@c.us"); got != 0 {
		t.Fatalf("muted session must not mutate history, got %d entries", got)
	}

	// Toggling active resumes processing of new events.
	f.record.SetBotActive(true)
	f.pipe.Handle(context.Background(), textMessage("hi again"))
	if len(f.conn.texts) != 1 {
		t.Fatalf("expected reply after unmute, got %d", len(f.conn.texts))
	}
}

func TestHandleSelfAddressedSkipped(t *testing.T) {
	f := newFixture(t, false)
	f.pipe.Handle(context.Background(), connection.Message{From: "111@c.us", To: "111@c.us", Kind: connection.KindText, Body: "echo"})
	f.pipe.Handle(context.Background(), connection.Message{From: "111@c.us", To: "999@c.us", Kind: connection.KindStatus, Body: "status"})
	if len(f.conn.texts) != 0 {
		t.Fatal("self-addressed and status events must be ignored")
	}
}

func TestHandleImportantDirective(t *testing.T) {
	f := newFixture(t, false)
	f.llm.reply = `Noted, boss! {"isImportant":true,"why":"urgent"} Will do.`

	f.pipe.Handle(context.Background(), textMessage("remind me, this is urgent"))

	if len(f.log.appended) != 1 {
		t.Fatalf("expected 1 log append, got %d", len(f.log.appended))
	}
	entry := f.log.appended[0]
	if entry.Reason != "urgent" {
		t.Fatalf("expected reason=urgent, got %q", entry.Reason)
	}
	if entry.Correspondent != "111" {
		t.Fatalf("expected correspondent stripped of transport suffix, got %q", entry.Correspondent)
	}
	if entry.Message != "remind me, this is urgent" {
		t.Fatalf("expected original message logged, got %q", entry.Message)
	}
	if entry.SessionID != "s1" {
		t.Fatalf("expected session id, got %q", entry.SessionID)
	}

	sent := f.conn.texts[0].text
	if strings.Contains(sent, "isImportant") || strings.Contains(sent, "{") {
		t.Fatalf("directive must be stripped from delivered reply: %q", sent)
	}
}

func TestHandleImportantLogFailureDoesNotFailReply(t *testing.T) {
	f := newFixture(t, false)
	f.llm.reply = `ok {"isImportant":true,"why":"x"}`
	f.log.appendErr = errors.New("sheets down")

	f.pipe.Handle(context.Background(), textMessage("urgent thing"))

	if len(f.conn.texts) != 1 {
		t.Fatalf("reply must still be delivered, got %d sends", len(f.conn.texts))
	}
}

func TestHandleCheckLogsFound(t *testing.T) {
	f := newFixture(t, false)
	f.llm.reply = `Let me check. {"checkLogs":true}`
	f.log.found = true
	f.log.entry = sheets.Entry{Message: "buy milk", Timestamp: time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)}

	f.pipe.Handle(context.Background(), textMessage("what did I ask you to remember?"))

	sent := f.conn.texts[0].text
	if !strings.Contains(sent, "Noted: 📋 buy milk") {
		t.Fatalf("expected log note in reply, got %q", sent)
	}
	// History keeps the base reply, without the log note.
	hist := f.record.History().LastPairs("111@c.us", 1)
	if strings.Contains(hist[1].Content, "buy milk") {
		t.Fatalf("history must store reply before augmentation, got %q", hist[1].Content)
	}
}

func TestHandleCheckLogsEmpty(t *testing.T) {
	f := newFixture(t, false)
	f.llm.reply = `Hmm. {"checkLogs":true}`

	f.pipe.Handle(context.Background(), textMessage("check logs"))

	if !strings.Contains(f.conn.texts[0].text, emptyLogReply) {
		t.Fatalf("expected friendly empty-log line, got %q", f.conn.texts[0].text)
	}
}

func TestHandleGenerationFailureSendsApology(t *testing.T) {
	f := newFixture(t, false)
	f.llm.err = errors.New("gemini http 500")

	f.pipe.Handle(context.Background(), textMessage("hi"))

	if len(f.conn.texts) != 1 || f.conn.texts[0].text != generateApology {
		t.Fatalf("expected apology reply, got %+v", f.conn.texts)
	}
	if got := f.record.History().Len("111@c.us"); got != 0 {
		t.Fatalf("failed generation must not mutate history, got %d entries", got)
	}
}

func TestHandleCallLog(t *testing.T) {
	f := newFixture(t, false)
	f.pipe.Handle(context.Background(), connection.Message{
		From: "111@c.us", To: "999@c.us", Kind: connection.KindCallLog, Body: "Missed voice call",
	})

	if len(f.conn.texts) != 1 || f.conn.texts[0].text != missedCallReply {
		t.Fatalf("expected canned missed-call reply, got %+v", f.conn.texts)
	}
	if got := f.record.History().Len("111@c.us"); got != 0 {
		t.Fatal("call-log events must not touch history")
	}
	if f.llm.last.Messages != nil {
		t.Fatal("call-log events must not reach the generation service")
	}
}

func audioMessage(data []byte, mime string) connection.Message {
	return connection.Message{
		From: "111@c.us",
		To:   "999@c.us",
		Kind: connection.KindVoice,
		Download: func(ctx context.Context) (connection.Media, error) {
			return connection.Media{Data: data, MimeType: mime}, nil
		},
	}
}

func TestHandleAudioRepliesWithVoice(t *testing.T) {
	f := newFixture(t, true)
	f.pipe.Handle(context.Background(), audioMessage([]byte("oggdata"), "audio/ogg; codecs=opus"))

	if len(f.conn.medias) != 1 {
		t.Fatalf("expected 1 voice reply, got %d media sends", len(f.conn.medias))
	}
	if !f.conn.medias[0].asVoice {
		t.Fatal("audio reply must be sent as voice")
	}
	if len(f.conn.texts) != 0 {
		t.Fatal("voice reply must not also send text")
	}
}

func TestHandleAudioSynthesisFailureFallsBackToText(t *testing.T) {
	f := newFixture(t, true)
	f.synth.err = errors.New("elevenlabs http 500")

	f.pipe.Handle(context.Background(), audioMessage([]byte("oggdata"), "audio/ogg"))

	if len(f.conn.medias) != 0 {
		t.Fatal("failed synthesis must not send media")
	}
	if len(f.conn.texts) != 1 || f.conn.texts[0].text != "hello there" {
		t.Fatalf("expected text fallback, got %+v", f.conn.texts)
	}
}

func TestHandleAudioWithoutVoiceConfigSendsText(t *testing.T) {
	f := newFixture(t, false)
	f.pipe.Handle(context.Background(), audioMessage([]byte("oggdata"), "audio/ogg"))

	if len(f.conn.texts) != 1 {
		t.Fatalf("expected text reply, got %+v", f.conn.texts)
	}
}

func TestHandleAudioTranscriptionFailure(t *testing.T) {
	f := newFixture(t, false)
	f.trans.err = errors.New("deepgram http 500")
	scratchDir := f.pipe.scratchDir

	f.pipe.Handle(context.Background(), audioMessage([]byte("oggdata"), "audio/ogg"))

	if len(f.conn.texts) != 1 || f.conn.texts[0].text != transcribeApology {
		t.Fatalf("expected fixed apology, got %+v", f.conn.texts)
	}
	entries, err := os.ReadDir(scratchDir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("scratch file must be removed, found %d entries", len(entries))
	}
	if got := f.record.History().Len("111@c.us"); got != 0 {
		t.Fatal("failed transcription must not touch history")
	}
}

func TestHandleAudioScratchRemovedOnSuccess(t *testing.T) {
	f := newFixture(t, false)
	scratchDir := f.pipe.scratchDir

	f.pipe.Handle(context.Background(), audioMessage([]byte("oggdata"), "audio/ogg"))

	entries, err := os.ReadDir(scratchDir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("scratch file must be removed, found %d entries", len(entries))
	}
}
