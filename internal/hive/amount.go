// Package hive contains the Hive blockchain client, the block watcher and
// the outbound message builders.
package hive

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/brianoflondon/v4vapp-backend-v2/internal/ledger"
)

// Amount is a chain amount held as an integer in milli-units (1/1000 of a
// HIVE or HBD), the smallest on-chain precision.
type Amount struct {
	Milli int64
	Unit  ledger.Unit
}

// ParseAmount parses the chain's "25.000 HIVE" string form.
func ParseAmount(s string) (Amount, error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return Amount{}, errors.Errorf("hive: malformed amount %q", s)
	}
	var unit ledger.Unit
	switch parts[1] {
	case "HIVE":
		unit = ledger.UnitHive
	case "HBD":
		unit = ledger.UnitHBD
	default:
		return Amount{}, errors.Errorf("hive: unknown amount symbol %q", parts[1])
	}
	value, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return Amount{}, errors.Wrapf(err, "hive: bad amount value %q", parts[0])
	}
	// Round rather than truncate: 0.0015 HIVE is 2 milli, not 1.
	milli := int64(value*1000 + 0.5)
	if value < 0 {
		milli = int64(value*1000 - 0.5)
	}
	return Amount{Milli: milli, Unit: unit}, nil
}

// String renders the chain form with three decimals.
func (a Amount) String() string {
	symbol := "HIVE"
	if a.Unit == ledger.UnitHBD {
		symbol = "HBD"
	}
	return fmt.Sprintf("%d.%03d %s", a.Milli/1000, abs64(a.Milli%1000), symbol)
}

// FromMilli builds an Amount from milli-units.
func FromMilli(milli int64, unit ledger.Unit) Amount {
	return Amount{Milli: milli, Unit: unit}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
