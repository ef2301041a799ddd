// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/qlinkbridge/qlink-bridge/internal/addr"
)

// SwitchRead renders "VGS# m s b" (without terminator).
func SwitchRead(sa addr.Switch) string {
	return fmt.Sprintf("VGS# %d %d %d", sa.Master, sa.Station, sa.Button)
}

// SwitchWrite renders "VSW m s b state" (without terminator).
func SwitchWrite(sa addr.Switch, state int) string {
	return fmt.Sprintf("VSW %d %d %d %d", sa.Master, sa.Station, sa.Button, state)
}

// LoadSet renders "VLB# m e mod load level [fade]" (without terminator).
// fade is omitted entirely when nil.
func LoadSet(la addr.Load, level int, fade *float64) string {
	base := fmt.Sprintf("VLB# %d %d %d %d %d", la.Master, la.Enclosure, la.Module, la.LoadNum, level)
	if fade == nil {
		return base
	}
	return base + " " + formatFade(*fade)
}

// LoadRead renders "VGB# m e mod load" (without terminator).
func LoadRead(la addr.Load) string {
	return fmt.Sprintf("VGB# %d %d %d %d", la.Master, la.Enclosure, la.Module, la.LoadNum)
}

func formatFade(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		return s
	}
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// Terminate appends the configured line ending to a command rendered by
// one of the functions above, ready to hand to Session.Write.
func Terminate(cmd, lineEnding string) []byte {
	return []byte(cmd + lineEnding)
}
