package dialogue

import (
	"strings"
	"testing"
)

func feedAll(chunks ...string) (string, []Intent) {
	var p TagParser
	var text strings.Builder
	var intents []Intent
	collect := func(ps []Piece) {
		for _, pc := range ps {
			if pc.Intent != nil {
				intents = append(intents, pc.Intent)
			} else {
				text.WriteString(pc.Text)
			}
		}
	}
	for _, c := range chunks {
		collect(p.Feed(c))
	}
	collect(p.Close())
	return text.String(), intents
}

func TestTagParser(t *testing.T) {
	cases := []struct {
		name    string
		chunks  []string
		text    string
		intents []string
	}{
		{"plain", []string{"Hello ", "there."}, "Hello there.", nil},
		{"transfer", []string{"One moment. [transfer]"}, "One moment. ", []string{"transfer"}},
		{"transfer_number_split", []string{"[tra", "nsfer:+1555", "1234567]"}, "", []string{"transfer:+15551234567"}},
		{"end_call_reason", []string{"Goodbye! [end_call:caller_done]"}, "Goodbye! ", []string{"end_call:caller_done"}},
		{"end_call_default", []string{"Bye [END_CALL]"}, "Bye ", []string{"end_call:caller_requested"}},
		{"appointment_json_with_brackets", []string{`[appointment:{"action":"cancel","reference":"A-1","note":"room [2]"}] Done.`}, " Done.", []string{"appointment:cancel[note,reference]"}},
		{"ticket", []string{`[ticket:{"subject":"Callback","description":"call me"}]`}, "", []string{"ticket:Callback"}},
		{"unknown_tag_passes", []string{"See [note] below"}, "See [note] below", nil},
		{"not_a_tag", []string{"Room [2B] is ready"}, "Room [2B] is ready", nil},
		{"unterminated", []string{"Wait [transf"}, "Wait [transf", nil},
		{"bad_appointment_dropped", []string{`Okay. [appointment:{"action":"teleport"}]`}, "Okay. ", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			text, intents := feedAll(tc.chunks...)
			if text != tc.text {
				t.Fatalf("text: got %q want %q", text, tc.text)
			}
			if len(intents) != len(tc.intents) {
				t.Fatalf("intents: got %v want %v", intents, tc.intents)
			}
			for i := range intents {
				if intents[i].String() != tc.intents[i] {
					t.Fatalf("intent %d: got %s want %s", i, intents[i], tc.intents[i])
				}
			}
		})
	}
}

func TestParseAppointmentDetails(t *testing.T) {
	_, intents := feedAll(`[appointment:{"action":"Book","name":"Dana","age":41,"first_visit":true}]`)
	a, ok := intents[0].(AppointmentAction)
	if !ok || a.Kind != AppointmentBook {
		t.Fatalf("unexpected intent %v", intents)
	}
	if a.Details["name"] != "Dana" || a.Details["age"] != "41" || a.Details["first_visit"] != "true" {
		t.Fatalf("unexpected details %v", a.Details)
	}
	if _, has := a.Details["action"]; has {
		t.Fatalf("action must not be a detail")
	}
}
