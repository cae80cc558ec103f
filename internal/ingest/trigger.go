// Package ingest turns chat messages and form submissions into Triggers.
package ingest

import (
	"fmt"
	"strings"

	"github.com/loqalabs/owlimatronic/internal/protocol"
)

type Kind string

const (
	KindPlay   Kind = "play"
	KindUpload Kind = "upload"
)

type Source string

const (
	SourceChat Source = "chat"
	SourceForm Source = "form"
	SourceCLI  Source = "cli"
)

// Trigger is the normalized request handed to the coordinator. Play triggers
// carry Animation; upload triggers carry Data and Filename. A chat upload
// starts with only URL set and is completed by a Fetcher.
type Trigger struct {
	Kind      Kind
	Animation string
	Data      []byte
	Filename  string
	MIMEType  string
	URL       string
	Source    Source
	Origin    string
}

func (t Trigger) String() string {
	if t.Kind == KindPlay {
		return fmt.Sprintf("play(%s) from %s", t.Animation, t.Source)
	}
	return fmt.Sprintf("upload(%s, %d bytes) from %s", t.Filename, len(t.Data), t.Source)
}

// NeedsFetch reports whether the upload bytes still have to be downloaded.
func (t Trigger) NeedsFetch() bool {
	return t.Kind == KindUpload && t.Data == nil && t.URL != ""
}

// ValidationError reports an inbound request that cannot become a Trigger.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type Attachment struct {
	URL         string
	Filename    string
	ContentType string
	Size        int64
}

func (a Attachment) isAudio() bool {
	return strings.HasPrefix(strings.ToLower(a.ContentType), "audio/")
}

type ChatMessage struct {
	ID          string
	ChannelID   string
	AuthorID    string
	AuthorName  string
	AuthorIsBot bool
	Content     string
	Attachments []Attachment
}

// FromChat normalizes a chat message. ok is false for messages that must be
// ignored: those authored by bots and those posted outside channelID.
func FromChat(msg ChatMessage, channelID string) (Trigger, bool, error) {
	if msg.AuthorIsBot {
		return Trigger{}, false, nil
	}
	if channelID != "" && msg.ChannelID != channelID {
		return Trigger{}, false, nil
	}

	origin := msg.AuthorName
	if origin == "" {
		origin = msg.AuthorID
	}

	var audio []Attachment
	for _, a := range msg.Attachments {
		if a.isAudio() {
			audio = append(audio, a)
		}
	}
	if len(audio) != 1 {
		return Trigger{Kind: KindPlay, Animation: protocol.PayloadYap, Source: SourceChat, Origin: origin}, true, nil
	}

	att := audio[0]
	if att.URL == "" {
		return Trigger{}, true, &ValidationError{Field: "attachment", Reason: "audio attachment has no url"}
	}
	filename := att.Filename
	if filename == "" {
		filename = "attachment"
	}
	return Trigger{
		Kind:     KindUpload,
		Filename: filename,
		MIMEType: att.ContentType,
		URL:      att.URL,
		Source:   SourceChat,
		Origin:   origin,
	}, true, nil
}

type FormSubmission struct {
	Emote       string
	HasFile     bool
	File        []byte
	Filename    string
	ContentType string
	Origin      string
}

// FromForm normalizes a form submission. A file wins over an emote.
func FromForm(sub FormSubmission) (Trigger, error) {
	if sub.HasFile {
		if len(sub.File) == 0 {
			return Trigger{}, &ValidationError{Field: "audio", Reason: "file is empty"}
		}
		filename := sub.Filename
		if filename == "" {
			filename = "upload"
		}
		return Trigger{
			Kind:     KindUpload,
			Data:     sub.File,
			Filename: filename,
			MIMEType: sub.ContentType,
			Source:   SourceForm,
			Origin:   sub.Origin,
		}, nil
	}
	emote := strings.TrimSpace(sub.Emote)
	if emote == "" {
		return Trigger{}, &ValidationError{Field: "emote", Reason: "must not be empty"}
	}
	return Trigger{Kind: KindPlay, Animation: emote, Source: SourceForm, Origin: sub.Origin}, nil
}
