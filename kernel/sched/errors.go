package sched

import "talus/kernel"

var (
	errSlotTaken   = &kernel.Error{Module: "sched", Message: "this cpu already has a current thread"}
	errThreadLimit = &kernel.Error{Module: "sched", Message: "thread allocation limit reached"}
)
