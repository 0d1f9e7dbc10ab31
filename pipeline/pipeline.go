// Package pipeline turns one inbound event into an outbound reply:
// transcription for audio, context-aware generation, optional speech
// synthesis, and the important-message log. Failures below event
// classification never reach the correspondent; the reply is degraded or
// dropped.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/quailyquaily/wamux/connection"
	"github.com/quailyquaily/wamux/llm"
	"github.com/quailyquaily/wamux/session"
	"github.com/quailyquaily/wamux/sheets"
)

const (
	maxOutputTokens = 250
	temperature     = 0.8

	defaultTextReplyDelay  = 1 * time.Second
	defaultAudioReplyDelay = 1500 * time.Millisecond

	generateApology   = "Arre yaar, my chat magic fizzled out! Try me again? 😅"
	transcribeApology = "Couldn’t process audio."
	missedCallReply   = "Missed your call because I was busy chasing phuchkas! 😜"
	emptyLogReply     = "Oi, no 📋 scribbles yet, bhai! Wanna drop something new? 😄"
)

type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

type MessageLog interface {
	Append(ctx context.Context, e sheets.Entry) error
	Read(ctx context.Context, correspondent, sessionID string) (sheets.Entry, bool)
}

type Options struct {
	Record      *session.Record
	Sender      *connection.Adapter
	LLM         llm.Client
	Model       string
	Transcriber Transcriber
	// Synthesizer is nil unless the session config carries voice
	// credentials.
	Synthesizer Synthesizer
	Log         MessageLog
	ScratchDir  string
	Logger      *slog.Logger

	// Reply delays simulate human response latency; zero means the
	// defaults (1s text, 1.5s audio).
	TextReplyDelay  time.Duration
	AudioReplyDelay time.Duration
}

type Pipeline struct {
	record      *session.Record
	sender      *connection.Adapter
	llm         llm.Client
	model       string
	transcriber Transcriber
	synthesizer Synthesizer
	log         MessageLog
	scratchDir  string
	logger      *slog.Logger
	textDelay   time.Duration
	audioDelay  time.Duration
}

func New(opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TextReplyDelay == 0 {
		opts.TextReplyDelay = defaultTextReplyDelay
	}
	if opts.AudioReplyDelay == 0 {
		opts.AudioReplyDelay = defaultAudioReplyDelay
	}
	return &Pipeline{
		record:      opts.Record,
		sender:      opts.Sender,
		llm:         opts.LLM,
		model:       opts.Model,
		transcriber: opts.Transcriber,
		synthesizer: opts.Synthesizer,
		log:         opts.Log,
		scratchDir:  opts.ScratchDir,
		logger:      opts.Logger,
		textDelay:   opts.TextReplyDelay,
		audioDelay:  opts.AudioReplyDelay,
	}
}

// Handle processes one inbound event to completion. It never returns an
// error: internal failures are logged and the reply is dropped, since the
// transport has no way to signal an internal fault to the correspondent.
func (p *Pipeline) Handle(ctx context.Context, msg connection.Message) {
	if msg.From == msg.To || msg.Kind == connection.KindStatus {
		return
	}
	if !p.record.BotActive() {
		p.logger.Debug("pipeline_paused_skip", "session_id", p.record.SessionID(), "from", msg.From)
		return
	}

	switch msg.Kind {
	case connection.KindCallLog:
		if !strings.Contains(strings.ToLower(msg.Body), "missed") {
			return
		}
		if err := p.sender.SendText(ctx, msg.From, missedCallReply); err != nil {
			p.logger.Warn("pipeline_send_error", "session_id", p.record.SessionID(), "from", msg.From, "error", err.Error())
			return
		}
		p.logger.Info("pipeline_missed_call_reply", "session_id", p.record.SessionID(), "from", msg.From)
	case connection.KindAudio, connection.KindVoice:
		p.handleAudio(ctx, msg)
	case connection.KindText:
		reply := p.generate(ctx, msg.From, msg.Body)
		p.deliver(ctx, msg.From, reply, false)
	}
}

func (p *Pipeline) handleAudio(ctx context.Context, msg connection.Message) {
	if msg.Download == nil {
		return
	}
	media, err := msg.Download(ctx)
	if err != nil {
		p.logger.Warn("pipeline_media_download_error", "session_id", p.record.SessionID(), "from", msg.From, "error", err.Error())
		return
	}
	if len(media.Data) == 0 {
		return
	}

	scratch := filepath.Join(p.scratchDir, fmt.Sprintf("audio_%d.%s", time.Now().UnixNano(), extensionFromMime(media.MimeType)))
	if err := os.WriteFile(scratch, media.Data, 0o600); err != nil {
		p.logger.Warn("pipeline_scratch_write_error", "session_id", p.record.SessionID(), "path", scratch, "error", err.Error())
		return
	}
	// The scratch file is owned by this run alone and must be gone on
	// every exit path.
	defer func() {
		if err := os.Remove(scratch); err != nil && !os.IsNotExist(err) {
			p.logger.Warn("pipeline_scratch_remove_error", "path", scratch, "error", err.Error())
		}
	}()

	audio, err := os.ReadFile(scratch)
	if err != nil {
		p.logger.Warn("pipeline_scratch_read_error", "path", scratch, "error", err.Error())
		return
	}
	text, err := p.transcriber.Transcribe(ctx, audio, media.MimeType)
	if err != nil {
		p.logger.Warn("pipeline_transcribe_error", "session_id", p.record.SessionID(), "from", msg.From, "error", err.Error())
		p.deliver(ctx, msg.From, transcribeApology, false)
		return
	}

	p.logger.Info("pipeline_audio_transcribed", "session_id", p.record.SessionID(), "from", msg.From, "text_len", len(text))
	reply := p.generate(ctx, msg.From, text)
	p.deliver(ctx, msg.From, reply, true)
}

// generate builds the prompt from the session's fixed prompt, the last
// three stored pairs, and the current message. It always yields a reply:
// a generation failure degrades to a fixed apology with no history
// mutation.
func (p *Pipeline) generate(ctx context.Context, correspondent, message string) string {
	history := p.record.History().LastPairs(correspondent, 3)

	var sb strings.Builder
	for _, item := range history {
		role := item.Role
		if role == "assistant" {
			role = "model"
		}
		sb.WriteString(role)
		sb.WriteString(": ")
		sb.WriteString(item.Content)
		sb.WriteString("\n")
	}
	prompt := strings.TrimSpace(p.record.Config().Prompt) +
		"\n\nConversation history:\n" + sb.String() +
		"\nCurrent message: " + message

	res, err := p.llm.Chat(ctx, llm.Request{
		Model:           p.model,
		Messages:        []llm.Message{{Role: "user", Content: prompt}},
		MaxOutputTokens: maxOutputTokens,
		Temperature:     temperature,
	})
	if err != nil {
		p.logger.Warn("pipeline_generate_error", "session_id", p.record.SessionID(), "from", correspondent, "error", err.Error())
		return generateApology
	}

	directive, reply := ExtractDirective(strings.TrimSpace(res.Text))

	// History stores the reply before any log-note augmentation.
	p.record.History().Append(correspondent, message, reply)

	sender := correspondentID(correspondent)
	if directive.IsImportant && p.log != nil {
		err := p.log.Append(ctx, sheets.Entry{
			Correspondent: sender,
			Message:       message,
			Reason:        directive.Why,
			SessionID:     p.record.SessionID(),
		})
		if err != nil {
			// Fire and forget: a lost log entry never fails the reply.
			p.logger.Warn("pipeline_log_append_error", "session_id", p.record.SessionID(), "from", correspondent, "error", err.Error())
		}
	}

	if directive.CheckLogs && p.log != nil {
		if entry, found := p.log.Read(ctx, sender, p.record.SessionID()); found {
			reply += fmt.Sprintf("\nNoted: 📋 %s (at %s)", entry.Message, entry.Timestamp.Format("1/2/2006, 3:04:05 PM"))
		} else {
			reply += "\n" + emptyLogReply
		}
	}

	return reply
}

// deliver waits the human-latency delay and sends the reply, as a voice
// note when the inbound was audio and synthesis is configured; synthesis
// failures fall back to plain text.
func (p *Pipeline) deliver(ctx context.Context, target, reply string, asAudio bool) {
	delay := p.textDelay
	if asAudio {
		delay = p.audioDelay
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	if asAudio && p.synthesizer != nil {
		audio, err := p.synthesizer.Synthesize(ctx, reply)
		if err != nil {
			p.logger.Warn("pipeline_synthesize_error", "session_id", p.record.SessionID(), "error", err.Error())
		} else {
			media := connection.Media{Data: audio, MimeType: "audio/mpeg"}
			sendErr := p.sender.SendMedia(ctx, target, media, connection.SendMediaOptions{AsVoice: true})
			if sendErr == nil {
				p.logger.Info("pipeline_reply_sent", "session_id", p.record.SessionID(), "to", target, "voice", true)
				return
			}
			p.logger.Warn("pipeline_send_media_error", "session_id", p.record.SessionID(), "to", target, "error", sendErr.Error())
		}
	}

	if err := p.sender.SendText(ctx, target, reply); err != nil {
		p.logger.Warn("pipeline_send_error", "session_id", p.record.SessionID(), "to", target, "error", err.Error())
		return
	}
	p.logger.Info("pipeline_reply_sent", "session_id", p.record.SessionID(), "to", target, "voice", false)
}

// correspondentID strips the transport suffix (e.g. "123@c.us" -> "123").
func correspondentID(correspondent string) string {
	if i := strings.IndexByte(correspondent, '@'); i >= 0 {
		return correspondent[:i]
	}
	return correspondent
}

func extensionFromMime(mimeType string) string {
	parts := strings.SplitN(mimeType, "/", 2)
	if len(parts) != 2 {
		return "bin"
	}
	sub := parts[1]
	if i := strings.IndexByte(sub, ';'); i >= 0 {
		sub = sub[:i]
	}
	sub = strings.TrimSpace(sub)
	if sub == "" {
		return "bin"
	}
	return sub
}
