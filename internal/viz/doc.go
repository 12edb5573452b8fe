// Package viz renders simulation progress in the terminal.
//
// [Summary] prints a static report of finished years with an ASCII chart of
// changed cells. [Watch] runs a Bubble Tea program fed with cycle reports
// while the simulation is running.
//
// # Key Bindings
//
//	q, ctrl+c - cancel the run
package viz
