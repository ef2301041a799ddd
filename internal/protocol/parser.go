// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/qlinkbridge/qlink-bridge/internal/addr"
)

// Record is the tagged-variant result of parsing one line. Kind tells which
// variant it is; a Record with Kind KindNone means the line matched nothing
// recognized.
//
// Modeled as a single struct with a discriminant rather than an interface
// hierarchy: tagged records, not subclassing.
type Record struct {
	Kind RecordKind
	Raw  string

	Switch      addr.Switch
	Load        addr.Load
	Value       int // 0|1 for switch kinds, level for load kinds
	Fade        *float64
	ReplySource string // "RGS" | "VGS", valid only when Kind == KindSwitchReply
	LoadSource  string // "RLB" | "RGB"
	BareValue   int    // 0|1, valid only when Kind == KindBareState
}

// RecordKind discriminates the Record variants.
type RecordKind int

const (
	KindNone RecordKind = iota
	KindPushEvent
	KindSwitchReply
	KindLoadReply
	KindBareState
)

var (
	// SW m s b v — unsolicited push event. Multiple matches per line are
	// allowed, so this is found with FindAllStringSubmatch, not matched
	// against the whole line.
	reSW = regexp.MustCompile(`\bSW\s+(\d+)\s+(\d+)\s+(\d+)\s+([01])\b`)

	// RGS[#] m s b v / VGS[#] m s b v — switch read reply.
	reSwitchReply = regexp.MustCompile(`^(?:RGS|VGS)#?\s+(\d+)\s+(\d+)\s+(\d+)\s+(\d+)\s*$`)

	// RLB[#] m e mod load level [fade]
	reRLB = regexp.MustCompile(`^RLB#?\s+(\d+)\s+(\d+)\s+(\d+)\s+(\d+)\s+(\d+)(?:\s+(\d+(?:\.\d+)?))?\s*$`)

	// RGB[#] m e mod load level
	reRGB = regexp.MustCompile(`^RGB#?\s+(\d+)\s+(\d+)\s+(\d+)\s+(\d+)\s+(\d+)\s*$`)

	reBare = regexp.MustCompile(`^[01]$`)
)

// Parse classifies a single framed line (terminator already stripped) and
// returns the records it produces. A line can produce multiple PushEvent
// records (multiple matches per line are allowed) but at most one
// reply/bare record. A line matching nothing yields an empty, non-error
// slice — parser errors never abort the reader.
func Parse(line string) []Record {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	var out []Record

	for _, m := range reSW.FindAllStringSubmatch(trimmed, -1) {
		out = append(out, Record{
			Kind:   KindPushEvent,
			Raw:    trimmed,
			Switch: addr.Switch{Master: atoi(m[1]), Station: atoi(m[2]), Button: atoi(m[3])},
			Value:  atoi(m[4]),
		})
	}
	if len(out) > 0 {
		return out
	}

	if m := reSwitchReply.FindStringSubmatch(trimmed); m != nil {
		v := atoi(m[4])
		if v != 0 {
			v = 1
		}
		src := "VGS"
		if strings.HasPrefix(trimmed, "RGS") {
			src = "RGS"
		}
		return []Record{{
			Kind:        KindSwitchReply,
			Raw:         trimmed,
			Switch:      addr.Switch{Master: atoi(m[1]), Station: atoi(m[2]), Button: atoi(m[3])},
			Value:       v,
			ReplySource: src,
		}}
	}

	if m := reRLB.FindStringSubmatch(trimmed); m != nil {
		r := Record{
			Kind: KindLoadReply,
			Raw:  trimmed,
			Load: addr.Load{Master: atoi(m[1]), Enclosure: atoi(m[2]), Module: atoi(m[3]), LoadNum: atoi(m[4])},
			Value: atoi(m[5]),
			LoadSource: "RLB",
		}
		if m[6] != "" {
			f, err := strconv.ParseFloat(m[6], 64)
			if err == nil {
				r.Fade = &f
			}
		}
		return []Record{r}
	}

	if m := reRGB.FindStringSubmatch(trimmed); m != nil {
		return []Record{{
			Kind:       KindLoadReply,
			Raw:        trimmed,
			Load:       addr.Load{Master: atoi(m[1]), Enclosure: atoi(m[2]), Module: atoi(m[3]), LoadNum: atoi(m[4])},
			Value:      atoi(m[5]),
			LoadSource: "RGB",
		}}
	}

	if reBare.MatchString(trimmed) {
		return []Record{{
			Kind:      KindBareState,
			Raw:       trimmed,
			BareValue: atoi(trimmed),
		}}
	}

	return nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
