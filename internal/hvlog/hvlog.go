// Package hvlog centralizes the hypervisor's structured logging so every
// component tags its lines with the same field names instead of
// reinventing log.Printf prefixes (the teacher's devices each rolled
// their own "DeviceName: message" prefix; we replace that with logrus
// fields so a log aggregator on the MVM side can filter by vmid/vcpu).
package hvlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Base is the root logger. Components should call With* on it rather
// than holding global state of their own.
var Base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetDebug toggles verbose logging, mirroring the teacher's VirtualMachine.Debug flag.
func SetDebug(on bool) {
	if on {
		Base.SetLevel(logrus.DebugLevel)
	} else {
		Base.SetLevel(logrus.InfoLevel)
	}
}

// For returns a logger scoped to one component (e.g. "sched", "intc").
func For(component string) *logrus.Entry {
	return Base.WithField("component", component)
}

// ForVM returns a logger scoped to one VM instance.
func ForVM(component string, vmid uint32) *logrus.Entry {
	return Base.WithFields(logrus.Fields{"component": component, "vmid": vmid})
}

// ForVCPU returns a logger scoped to one vCPU of one VM.
func ForVCPU(component string, vmid uint32, vcpu int) *logrus.Entry {
	return Base.WithFields(logrus.Fields{"component": component, "vmid": vmid, "vcpu": vcpu})
}
