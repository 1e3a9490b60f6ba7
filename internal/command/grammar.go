package command

import "strconv"

// Verb is the first token of a command.
type Verb int

const (
	VerbUnknown Verb = iota
	VerbCreate
	VerbDestroy
	VerbStart
	VerbStop
	VerbSet
	VerbShow
	VerbList
	VerbHelp
)

var verbNames = map[string]Verb{
	"create":  VerbCreate,
	"destroy": VerbDestroy,
	"start":   VerbStart,
	"stop":    VerbStop,
	"set":     VerbSet,
	"show":    VerbShow,
	"list":    VerbList,
	"help":    VerbHelp,
}

var verbLabels = [...]string{"unknown", "create", "destroy", "start", "stop", "set", "show", "list", "help"}

func (v Verb) String() string {
	if int(v) < len(verbLabels) {
		return verbLabels[v]
	}
	return "unknown"
}

// takesNoun reports whether the verb is followed by an object type.
func (v Verb) takesNoun() bool {
	switch v {
	case VerbStart, VerbStop, VerbHelp:
		return false
	default:
		return true
	}
}

// Noun is the object type a verb applies to.
type Noun int

const (
	NounNone Noun = iota
	NounVM
	NounNetwork
	NounTap
	NounDisk
)

var nounNames = map[string]Noun{
	"vm":      NounVM,
	"network": NounNetwork,
	"tap":     NounTap,
	"disk":    NounDisk,
}

// Verbs and nouns match case-sensitively.
func parseVerb(token string) Verb {
	return verbNames[token]
}

func parseNoun(token string) Noun {
	return nounNames[token]
}

// parseBounded parses a plain decimal number within [min, max].
func parseBounded(token string, min, max uint64) (uint64, bool) {
	if token == "" || token[0] == '+' || token[0] == '-' {
		return 0, false
	}
	n, err := strconv.ParseUint(token, 10, 64)
	if err != nil || n < min || n > max {
		return 0, false
	}
	return n, true
}

// args gives positional access that tolerates short input.
type args []string

func (a args) at(i int) string {
	if i < len(a) {
		return a[i]
	}
	return ""
}

const helpText = `HVD Commands:
  create vm <name> <cpu> <memory>             Create a VM (memory in MB)
  create network <name> <fib> [interface]     Create a bridged network
  create tap <vm> <network> <tap>             Attach a VM to a network
  create disk <vm> <disk> <size-gb>           Add a volume disk to a VM
  destroy vm <name>                           Destroy a VM and its storage
  destroy network <name>                      Destroy a network
  destroy tap <tap>                           Delete a tap
  destroy disk <vm> <disk>                    Remove a disk from a VM
  start <name>                                Start a VM
  stop <name>                                 Stop a VM
  set vm <name> <property> <value>            Set a VM property
  set network <name> <property> <value>       Set a network property
  show vm <name>                              Show VM details
  show network <name>                         Show network details
  list vm                                     List VMs
  list network                                List networks
  list tap                                    List tap attachments
  help                                        Show this help

VM Properties:
  cpu <1-32>
  memory <64-1048576>
  boot-device <name>

Network Properties:
  fib <0-255>
  physical-interface <name>
  address <prefix>
  gateway <address>`
