package dialogue

import (
	"encoding/json"
	"fmt"
	"strings"
)

// maxTagLen bounds how much text is held back while a possible tag is open.
const maxTagLen = 2048

// Piece is one parser output: speakable text or an intent.
type Piece struct {
	Text   string
	Intent Intent
}

// TagParser extracts control tags like [transfer:+15551234567] or
// [appointment:{"action":"book",...}] from streamed model text. Tags are
// never returned as text; unknown bracketed text passes through unchanged.
type TagParser struct {
	inTag    bool
	tag      strings.Builder
	depth    int
	inString bool
	escaped  bool
	sawColon bool
}

// Feed consumes a delta and returns the pieces it completed.
func (p *TagParser) Feed(delta string) []Piece {
	var out []Piece
	var text strings.Builder
	flushText := func() {
		if text.Len() > 0 {
			out = append(out, Piece{Text: text.String()})
			text.Reset()
		}
	}
	for _, r := range delta {
		if !p.inTag {
			if r == '[' {
				p.open()
				continue
			}
			text.WriteRune(r)
			continue
		}
		if p.step(r) {
			raw := p.tag.String()
			p.reset()
			if in, ok := parseTag(raw); ok {
				flushText()
				if in != nil {
					out = append(out, Piece{Intent: in})
				}
			} else {
				text.WriteString("[" + raw + "]")
			}
			continue
		}
		if !p.plausible() {
			// not a control tag: release what was held back
			raw := p.tag.String()
			p.reset()
			text.WriteString("[" + raw)
		}
	}
	flushText()
	return out
}

// Close releases any held-back text at the end of the stream.
func (p *TagParser) Close() []Piece {
	if !p.inTag {
		return nil
	}
	raw := p.tag.String()
	p.reset()
	return []Piece{{Text: "[" + raw}}
}

func (p *TagParser) open() {
	p.reset()
	p.inTag = true
}

func (p *TagParser) reset() {
	p.inTag = false
	p.tag.Reset()
	p.depth = 0
	p.inString = false
	p.escaped = false
	p.sawColon = false
}

// step adds r to the open tag and reports whether it closed the tag.
func (p *TagParser) step(r rune) bool {
	if p.inString {
		p.tag.WriteRune(r)
		switch {
		case p.escaped:
			p.escaped = false
		case r == '\\':
			p.escaped = true
		case r == '"':
			p.inString = false
		}
		return false
	}
	switch r {
	case ']':
		if p.depth == 0 {
			return true
		}
		p.depth--
	case '{', '[':
		p.depth++
	case '}':
		if p.depth > 0 {
			p.depth--
		}
	case '"':
		p.inString = true
	case ':':
		p.sawColon = true
	}
	p.tag.WriteRune(r)
	return false
}

// plausible reports whether the open tag can still become a control tag.
func (p *TagParser) plausible() bool {
	s := p.tag.String()
	if len(s) > maxTagLen {
		return false
	}
	if p.sawColon {
		return true
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && r != '_' {
			return false
		}
	}
	return true
}

// parseTag reports whether raw names a control tag. A recognized tag with an
// unusable argument yields a nil intent and is dropped.
func parseTag(raw string) (Intent, bool) {
	name, arg, _ := strings.Cut(raw, ":")
	name = strings.ToLower(strings.TrimSpace(name))
	arg = strings.TrimSpace(arg)
	switch name {
	case "transfer":
		return TransferRequested{TargetNumber: arg}, true
	case "end_call":
		if arg == "" {
			arg = ReasonCallerRequested
		}
		return EndCall{Reason: arg}, true
	case "appointment":
		in, err := parseAppointment(arg)
		if err != nil {
			return nil, true
		}
		return in, true
	case "ticket":
		in, err := parseTicket(arg)
		if err != nil {
			return nil, true
		}
		return in, true
	}
	return nil, false
}

func parseAppointment(arg string) (Intent, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(arg), &fields); err != nil {
		return nil, err
	}
	action, _ := fields["action"].(string)
	kind := AppointmentKind(strings.ToLower(action))
	switch kind {
	case AppointmentBook, AppointmentReschedule, AppointmentCancel:
	default:
		return nil, fmt.Errorf("unknown appointment action %q", action)
	}
	details := make(map[string]string, len(fields))
	for k, v := range fields {
		if k == "action" || v == nil {
			continue
		}
		switch tv := v.(type) {
		case string:
			details[k] = tv
		default:
			details[k] = fmt.Sprint(tv)
		}
	}
	return AppointmentAction{Kind: kind, Details: details}, nil
}

func parseTicket(arg string) (Intent, error) {
	var t struct {
		Subject     string `json:"subject"`
		Description string `json:"description"`
		Name        string `json:"name"`
		Email       string `json:"email"`
		Phone       string `json:"phone"`
	}
	if err := json.Unmarshal([]byte(arg), &t); err != nil {
		return nil, err
	}
	if t.Subject == "" && t.Description == "" {
		return nil, fmt.Errorf("ticket without subject or description")
	}
	return TicketRequested{Subject: t.Subject, Description: t.Description, Name: t.Name, Email: t.Email, Phone: t.Phone}, nil
}
