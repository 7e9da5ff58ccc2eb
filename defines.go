package boardflash

import (
	_ "embed"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Per-family firmware interface constants: ARC mailbox message ids and
// the oldest firmware version with bundle support. Kept as data rather
// than code so a firmware-side renumbering stays a one-file change.
//
//go:embed defines.yaml
var rawDefines []byte

// FamilyDefines are the firmware constants for one chip family.
type FamilyDefines struct {
	MinFwVersion          uint32 `yaml:"min_fw_version"`
	MsgFwVersion          uint32 `yaml:"msg_fw_version"`
	MsgArcState3          uint32 `yaml:"msg_arc_state3"`
	MsgM3AutoResetTimeout uint32 `yaml:"msg_m3_auto_reset_timeout"`
	MsgTriggerSpiCopy     uint32 `yaml:"msg_trigger_spi_copy"`
	MsgEchoNonce          uint32 `yaml:"msg_echo_nonce"`
}

var (
	definesOnce sync.Once
	definesMap  map[string]FamilyDefines
	definesErr  error
)

func lookupDefines(family Family) (FamilyDefines, error) {
	definesOnce.Do(func() {
		definesErr = yaml.Unmarshal(rawDefines, &definesMap)
	})
	if definesErr != nil {
		return FamilyDefines{}, errors.Wrap(definesErr, "parsing embedded firmware defines")
	}
	defines, ok := definesMap[family.String()]
	if !ok {
		return FamilyDefines{}, errors.Errorf("no firmware defines for family %s", family)
	}
	return defines, nil
}
