package xics

import (
	"fmt"

	"github.com/tinyrange/xics/internal/hv"
)

// RTAS services for source configuration.
const (
	RTASSetXive = "ibm,set-xive"
	RTASGetXive = "ibm,get-xive"
	RTASIntOff  = "ibm,int-off"
	RTASIntOn   = "ibm,int-on"
)

// RTAS status words.
const (
	rtasSuccess        = 0
	rtasHardwareError  = -1
	rtasParameterError = -3
)

// RTASTokens lists the services HandleRTAS serves.
func (c *Controller) RTASTokens() []string {
	return []string{RTASSetXive, RTASGetXive, RTASIntOff, RTASIntOn}
}

// HandleRTAS runs an RTAS source service. The status is written to
// Outputs[0]; an error is only returned for calls that cannot carry one.
func (c *Controller) HandleRTAS(call *hv.RTASCall) error {
	var nargs, nret int
	switch call.Token {
	case RTASSetXive:
		nargs, nret = 3, 1
	case RTASGetXive:
		nargs, nret = 1, 3
	case RTASIntOff, RTASIntOn:
		nargs, nret = 1, 1
	default:
		return fmt.Errorf("xics: rtas %q: %w", call.Token, ErrInvalidArgument)
	}
	if len(call.Outputs) < 1 {
		return fmt.Errorf("xics: rtas %q: no room for status", call.Token)
	}
	if len(call.Inputs) != nargs || len(call.Outputs) != nret {
		call.Outputs[0] = rtasStatus(rtasParameterError)
		return nil
	}

	irq := call.Inputs[0]
	var err error
	switch call.Token {
	case RTASSetXive:
		err = c.SetXive(irq, call.Inputs[1], uint8(call.Inputs[2]))
	case RTASGetXive:
		var (
			server   uint32
			priority uint8
		)
		server, priority, err = c.GetXive(irq)
		if err == nil {
			call.Outputs[1] = server
			call.Outputs[2] = uint32(priority)
		}
	case RTASIntOff:
		err = c.IntOff(irq)
	case RTASIntOn:
		err = c.IntOn(irq)
	}

	switch {
	case err == nil:
		call.Outputs[0] = rtasStatus(rtasSuccess)
	case status(err) == HHardware:
		call.Outputs[0] = rtasStatus(rtasHardwareError)
	default:
		call.Outputs[0] = rtasStatus(rtasParameterError)
	}
	return nil
}

func rtasStatus(v int32) uint32 { return uint32(v) }
