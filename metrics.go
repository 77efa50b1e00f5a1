// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package synapse

import "expvar"

// dispatchMetrics record dispatcher activity counters.
type dispatchMetrics struct {
	msgRecv     expvar.Int
	msgSent     expvar.Int
	msgDropped  expvar.Int // messages matching no call or update
	callOut     expvar.Int // number of calls issued
	callOutErr  expvar.Int // number of calls reporting an error
	callPending expvar.Int // calls awaiting a reply
	callTimeout expvar.Int // calls that timed out
	callDrained expvar.Int // calls failed by a transport close
	updateIn    expvar.Int // update messages delivered

	emap *expvar.Map
}

var rootMetrics = newMetrics()

func newMetrics() *dispatchMetrics {
	dm := &dispatchMetrics{emap: new(expvar.Map)}
	dm.emap.Set("messages_received", &dm.msgRecv)
	dm.emap.Set("messages_sent", &dm.msgSent)
	dm.emap.Set("messages_dropped", &dm.msgDropped)
	dm.emap.Set("calls_out", &dm.callOut)
	dm.emap.Set("calls_out_failed", &dm.callOutErr)
	dm.emap.Set("calls_pending", &dm.callPending)
	dm.emap.Set("calls_timed_out", &dm.callTimeout)
	dm.emap.Set("calls_drained", &dm.callDrained)
	dm.emap.Set("updates_in", &dm.updateIn)
	return dm
}
