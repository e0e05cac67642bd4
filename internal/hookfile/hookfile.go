// Package hookfile parses the INI-like alpm-style hook descriptor
// format, grounded line-for-line on original_source/src/hookfile.rs.
// The grammar repeats keys within a
// block and flushes the in-progress trigger/action whenever a new
// section header is seen, which does not map cleanly onto a generic
// decoder like gopkg.in/ini.v1 (see DESIGN.md) — this is a small
// hand-written scanner instead.
package hookfile

import (
	"bufio"
	"io"
	"strings"

	"golang.org/x/xerrors"
)

// Operation is a transaction kind a trigger fires on.
type Operation int

const (
	Install Operation = iota
	Upgrade
	Remove
)

// Flavor distinguishes a trigger's target interpretation.
type Flavor int

const (
	FlavorNone Flavor = iota
	FlavorPath
	FlavorPackage
)

// When distinguishes an action's execution point relative to the
// transaction.
type When int

const (
	WhenNone When = iota
	WhenPreTransaction
	WhenPostTransaction
)

// Trigger is one [Trigger] block.
type Trigger struct {
	Operations []Operation
	Flavor     Flavor
	Targets    []string
}

// Action is the hook's single [Action] block.
type Action struct {
	Description  string
	When         When
	Exec         string
	Depends      []string
	AbortOnFail  bool
	NeedsTargets bool
}

// Hook is a fully parsed hook file: one or more triggers and exactly
// one action.
type Hook struct {
	Triggers []Trigger
	Action   Action
}

func newTrigger() Trigger { return Trigger{Flavor: FlavorNone} }
func newAction() Action   { return Action{When: WhenNone} }

// Parse reads a hook file from r. A well-formed hook has at least one
// trigger and a non-default action When; any unknown key or value is
// fatal.
func Parse(r io.Reader) (*Hook, error) {
	res := &Hook{}
	section := 0 // 0 = none, 1 = Trigger, 2 = Action
	ct := newTrigger()
	ca := newAction()

	flush := func() error {
		if ct.Flavor != FlavorNone {
			res.Triggers = append(res.Triggers, ct)
			ct = newTrigger()
		}
		if ca.When != WhenNone {
			if res.Action.When != WhenNone {
				return xerrors.Errorf("hook file declares more than one [Action] block")
			}
			res.Action = ca
			ca = newAction()
		}
		return nil
	}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		if line == "[Trigger]" {
			if err := flush(); err != nil {
				return nil, err
			}
			section = 1
			continue
		}
		if line == "[Action]" {
			if err := flush(); err != nil {
				return nil, err
			}
			section = 2
			continue
		}

		if err := parseLine(line, section, &ct, &ca); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, xerrors.Errorf("hook file: %w", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}

	if len(res.Triggers) == 0 {
		return nil, xerrors.Errorf("hook file: no [Trigger] block")
	}
	if res.Action.When == WhenNone {
		return nil, xerrors.Errorf("hook file: [Action] block missing or missing When=")
	}
	return res, nil
}

func parseLine(line string, section int, ct *Trigger, ca *Action) error {
	k, v, hasValue := strings.Cut(line, "=")
	k = strings.TrimSpace(k)
	if hasValue {
		v = strings.TrimSpace(v)
		switch section {
		case 0:
			return xerrors.Errorf("hook file: key %q outside of any section", k)
		case 1:
			return parseTriggerKV(k, v, ct)
		case 2:
			return parseActionKV(k, v, ca)
		}
		return xerrors.Errorf("hook file: internal error: unknown section %d", section)
	}

	// Bare key, no '='.
	switch section {
	case 0:
		return xerrors.Errorf("hook file: key %q outside of any section", k)
	case 1:
		return xerrors.Errorf("hook file: unknown key for [Trigger] block: %q", k)
	case 2:
		if k == "NeedsTargets" {
			ca.NeedsTargets = true
			return nil
		}
		return xerrors.Errorf("hook file: unknown key for [Action] block: %q", k)
	}
	return xerrors.Errorf("hook file: internal error: unknown section %d", section)
}

func parseTriggerKV(k, v string, ct *Trigger) error {
	switch k {
	case "Type":
		switch v {
		case "Path":
			ct.Flavor = FlavorPath
		case "Package":
			ct.Flavor = FlavorPackage
		default:
			return xerrors.Errorf("hook file: unknown value for Type: %q", v)
		}
	case "Operation":
		switch v {
		case "Install":
			ct.Operations = append(ct.Operations, Install)
		case "Upgrade":
			ct.Operations = append(ct.Operations, Upgrade)
		case "Remove":
			ct.Operations = append(ct.Operations, Remove)
		default:
			return xerrors.Errorf("hook file: unknown value for Operation: %q", v)
		}
	case "Target":
		ct.Targets = append(ct.Targets, v)
	default:
		return xerrors.Errorf("hook file: unknown key for [Trigger] block: %q", k)
	}
	return nil
}

func parseActionKV(k, v string, ca *Action) error {
	switch k {
	case "Description":
		ca.Description = v
	case "When":
		switch v {
		case "PreTransaction":
			ca.When = WhenPreTransaction
		case "PostTransaction":
			ca.When = WhenPostTransaction
		default:
			return xerrors.Errorf("hook file: unknown value for When: %q", v)
		}
	case "Exec":
		ca.Exec = v
	default:
		return xerrors.Errorf("hook file: unknown key for [Action] block: %q", k)
	}
	return nil
}

// HasOperation reports whether t lists op among its operations.
func (t Trigger) HasOperation(op Operation) bool {
	for _, o := range t.Operations {
		if o == op {
			return true
		}
	}
	return false
}
