// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"strings"

	"github.com/pkg/errors"
)

// RetentionPolicy defines how a simulated device references the buffers used by a command in flight.
type RetentionPolicy int

const (
	// RetainNone doesn't take any reference on the buffers of a submitted command.
	RetainNone RetentionPolicy = iota

	// RetainUntilComplete retains the buffers of a command on submission and releases them when the device
	// finishes executing it, whether there is an event or not.
	RetainUntilComplete

	// RetainUntilEventRelease retains the buffers of a command on submission and releases them only when the
	// command's event is released (and the command completed). If no event was requested, the references
	// are never released.
	RetainUntilEventRelease
)

var retentionPolicyNames = map[RetentionPolicy]string{
	RetainNone:              "retain-none",
	RetainUntilComplete:     "retain-until-complete",
	RetainUntilEventRelease: "retain-until-event-release",
}

// String implements fmt.Stringer.
func (p RetentionPolicy) String() string {
	if name, found := retentionPolicyNames[p]; found {
		return name
	}
	return "invalid"
}

// ParseRetentionPolicy accepts the short names "none", "complete" and "event", or the full names
// returned by RetentionPolicy.String.
func ParseRetentionPolicy(name string) (RetentionPolicy, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "none":
		return RetainNone, nil
	case "complete":
		return RetainUntilComplete, nil
	case "event":
		return RetainUntilEventRelease, nil
	}
	for policy, fullName := range retentionPolicyNames {
		if name == fullName {
			return policy, nil
		}
	}
	return RetainNone, errors.Errorf("unknown retention policy %q, valid values are \"none\", \"complete\" or \"event\"", name)
}
