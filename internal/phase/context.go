package phase

import (
	"sort"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/epicflow/internal/artifact"
)

// Project carries repository settings handed to implementation phases.
type Project struct {
	BaseBranch  string
	TestCommand string
	LintCommand string
}

// Input is everything BuildContext needs. Paths maps artifacts to
// workspace-relative paths.
type Input struct {
	EpicID    string
	Title     string
	Paths     map[artifact.Name]string
	Project   Project
	Round     int
	MaxRounds int
	Findings  bool
}

// Invocation is the skill call for one phase round.
type Invocation struct {
	Skill string
	Args  string
}

// BuildContext renders the invocation for def. It is a pure function of its
// inputs: the same definition and input always yield the same arguments.
func BuildContext(def Definition, in Input) Invocation {
	var args []string
	add := func(key, value string) {
		if value == "" {
			return
		}
		args = append(args, "--"+key+"="+quote(value))
	}

	add("epic", in.EpicID)
	add("title", in.Title)

	// the status artifact comes first, even for phases that create it
	add(string(def.Artifact), in.Paths[def.Artifact])
	var rest []artifact.Name
	for _, n := range def.Inputs {
		if n != def.Artifact {
			rest = append(rest, n)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	for _, n := range rest {
		add(string(n), in.Paths[n])
	}

	if def.Class == BoundedLoop && in.MaxRounds > 0 {
		add("round", strconv.Itoa(in.Round)+"/"+strconv.Itoa(in.MaxRounds))
	}
	if def.FindingsMarker != "" && in.Findings {
		add("findings", "true")
	}
	add("done-marker", string(def.DoneMarker))
	if def.FindingsMarker != "" {
		add("findings-marker", string(def.FindingsMarker))
	}
	if def.Project {
		add("base-branch", in.Project.BaseBranch)
		add("test-command", in.Project.TestCommand)
		add("lint-command", in.Project.LintCommand)
	}

	return Invocation{Skill: def.Skill, Args: strings.Join(args, " ")}
}

func quote(v string) string {
	if strings.ContainsAny(v, " \t\n\"'\\$`") {
		return strconv.Quote(v)
	}
	return v
}
