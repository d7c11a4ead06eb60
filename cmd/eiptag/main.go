// Eiptag - one-shot EtherNet/IP tag read/write test tool.
//
// Reads (or, with -w, writes) a single ControlLogix tag over an
// unconnected session and prints the result:
//
//	eiptag -i 10.1.2.3 -s 0 my_tag
//	eiptag -i 10.1.2.3 -a 10 my_array
//	eiptag -i 10.1.2.3 -w 42 my_tag
//
// Exit status 0 on a successful read/write, non-zero on any failure.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"scanlogix/eip"
	"scanlogix/logging"
	"scanlogix/logix"
	"scanlogix/plcman"
)

var (
	verbosity = flag.Int("v", 0, "Verbosity 0..10")
	host      = flag.String("i", "", "PLC host name or IP address (required)")
	port      = flag.Int("p", int(eip.DefaultPort), "TCP port")
	slot      = flag.Int("s", 0, "Backplane slot of the CPU")
	timeoutMS = flag.Int("t", 5000, "Timeout in milliseconds")
	arraySize = flag.Int("a", 1, "Number of array elements to transfer")
	writeVal  = flag.String("w", "", "Value to write instead of reading")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: eiptag -i host [options] tag\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *host == "" || flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	tag := flag.Arg(0)

	logging.SetVerbosity(*verbosity)
	if *verbosity >= 8 {
		// At high verbosity, trace the wire to stderr-adjacent file.
		if dbg, err := logging.NewDebugLogger("eiptag-debug.log"); err == nil {
			logging.SetGlobalDebugLogger(dbg)
			defer dbg.Close()
		}
	}

	timeout := time.Duration(*timeoutMS) * time.Millisecond
	elements := uint16(*arraySize)
	if elements == 0 {
		elements = 1
	}

	var value *logix.TagValue
	var err error
	if *writeVal != "" {
		value, err = plcman.WriteTagAdhoc(*host, uint16(*port), byte(*slot), tag, *writeVal, elements, timeout)
	} else {
		value, err = plcman.ReadTagAdhoc(*host, uint16(*port), byte(*slot), tag, elements, timeout)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "eiptag: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("%s %s\n", tag, formatValue(value))
}

// formatValue renders the value(s) space-separated, the way operators
// eyeball them.
func formatValue(v *logix.TagValue) string {
	count := v.Count()
	if count <= 1 {
		return fmt.Sprint(v.GoValue())
	}

	parts := make([]string, 0, count)
	for i := 0; i < count; i++ {
		e, err := v.Element(i)
		if err != nil {
			break
		}
		parts = append(parts, fmt.Sprint(e.GoValue()))
	}
	return strings.Join(parts, " ")
}
