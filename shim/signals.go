package shim

import (
	"os"
	"os/signal"
)

func notifySignals(c chan<- os.Signal, sig ...os.Signal) {
	signal.Notify(c, sig...)
}

func stopSignals(c chan<- os.Signal) {
	signal.Stop(c)
}
