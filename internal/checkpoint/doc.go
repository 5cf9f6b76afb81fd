// Package checkpoint records pipeline transitions as git commits.
//
// Each commit stages the epic's declared artifacts and carries its run state
// as message trailers (Epic, Run, Phase, Event, Next, Attempt, Rounds,
// State, Reason). History is append-only; a run is reconstructed by reading
// the trailers of an epic's commits in chronological order.
package checkpoint
