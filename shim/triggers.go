package shim

import (
	"github.com/kate-goldenring/containerd-shim-spin/trigger"
	"github.com/kate-goldenring/containerd-shim-spin/trigger/commandtrigger"
	"github.com/kate-goldenring/containerd-shim-spin/trigger/httptrigger"
	"github.com/kate-goldenring/containerd-shim-spin/trigger/mqtttrigger"
	"github.com/kate-goldenring/containerd-shim-spin/trigger/redistrigger"
	"github.com/kate-goldenring/containerd-shim-spin/trigger/sqstrigger"
)

// DefaultTable dispatches every supported trigger kind.
func DefaultTable() trigger.Table {
	return trigger.Table{
		trigger.HTTP:    {Build: httptrigger.Build, Args: trigger.HTTPArgsFrom},
		trigger.Redis:   {Build: redistrigger.Build, Args: trigger.NoArgsFrom},
		trigger.SQS:     {Build: sqstrigger.Build, Args: trigger.NoArgsFrom},
		trigger.Command: {Build: commandtrigger.Build, Args: trigger.CommandArgsFrom},
		trigger.MQTT:    {Build: mqtttrigger.Build, Args: trigger.MQTTArgsFrom},
	}
}
