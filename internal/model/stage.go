package model

import (
	"sort"
	"strings"
)

// StageKind identifies one of the three flashing stages.
type StageKind uint8

const (
	Bootloader StageKind = iota
	Kernel
	Application
)

const (
	BootloaderStr  = "bootloader"
	KernelStr      = "kernel"
	ApplicationStr = "application"
)

// AllStages lists the stages in the order they must run.
var AllStages = []StageKind{Bootloader, Kernel, Application}

func (k StageKind) String() string {
	switch k {
	case Bootloader:
		return BootloaderStr
	case Kernel:
		return KernelStr
	case Application:
		return ApplicationStr
	default:
		return "unknown"
	}
}

func StageFromString(str string) (StageKind, error) {
	switch strings.ToLower(str) {
	case BootloaderStr:
		return Bootloader, nil
	case KernelStr:
		return Kernel, nil
	case ApplicationStr:
		return Application, nil
	default:
		return 0, ErrUnknownStage
	}
}

// OrderStages returns the given stages deduplicated and in run order.
func OrderStages(kinds []StageKind) ([]StageKind, error) {
	seen := map[StageKind]bool{}
	ordered := make([]StageKind, 0, len(kinds))

	for _, k := range kinds {
		if k > Application {
			return nil, ErrUnknownStage
		}

		if seen[k] {
			continue
		}

		seen[k] = true
		ordered = append(ordered, k)
	}

	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	return ordered, nil
}
