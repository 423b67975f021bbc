// Package timestep coordinates step sizes with required output instants.
//
// A [Manager] holds an ordered, deduplicated set of future event times plus
// periodic patterns that are expanded as the simulation approaches them.
// [Manager.TimeStep] caps a proposed step so the next event is hit exactly:
//
//	m := timestep.NewManager()
//	m.RegisterTime(25, 60)
//	dt := m.TimeStep(20, 40, false) // 5, landing on t=25
//
// A [Schedule] describes when an output target fires, by cycle and by time.
package timestep
