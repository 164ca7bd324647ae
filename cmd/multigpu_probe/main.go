// multigpu_probe inspects the accelerator drivers available to this binary and
// optionally dry-runs a device resource group over one of them.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx/gomultigpu"
	"github.com/gomlx/gomultigpu/driver"

	_ "github.com/gomlx/gomultigpu/driver/cuda"
)

var (
	flagDriver  = flag.String("driver", "host", "Driver to probe, one of the registered driver names")
	flagDevices = flag.String("devices", "", "Comma-separated device ids for the dry-run group -- empty means all visible devices")
	flagList    = flag.Bool("list", false, "List registered drivers and their device counts, then exit")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `multigpu_probe inspects the accelerator drivers available to this binary.

$ multigpu_probe -list
$ multigpu_probe -driver=host -devices=0,1

Without -list it builds a single-process device resource group over the chosen
driver, prints every resource and its communicator rank, then destroys the group
and reports how the teardown went. The "cuda" driver is only registered when the
binary was built with -tags cuda.

Usage:
`)
		flag.PrintDefaults()
	}
	klog.InitFlags(flag.CommandLine)
	flag.Parse()

	if *flagList {
		for _, name := range driver.Available() {
			d := must.M1(driver.Get(name))
			count, err := d.DeviceCount()
			if err != nil {
				fmt.Printf("\t%s: device count unavailable: %v\n", name, err)
				continue
			}
			fmt.Printf("\t%s: %d device(s)\n", name, count)
		}
		return
	}

	d := must.M1(driver.Get(*flagDriver))
	count := must.M1(d.DeviceCount())
	fmt.Printf("Driver %q sees %d device(s).\n", *flagDriver, count)

	var devices []int
	if *flagDevices == "" {
		for i := 0; i < count; i++ {
			devices = append(devices, i)
		}
	} else {
		for _, field := range strings.Split(*flagDevices, ",") {
			devices = append(devices, must.M1(strconv.Atoi(strings.TrimSpace(field))))
		}
	}

	g := must.M1(gomultigpu.NewLocalGroup(*flagDriver, devices))
	fmt.Printf("Built %s\n", g)
	for i := 0; i < g.Size(); i++ {
		r := g.Resource(i)
		rank := must.M1(r.Comm().Rank())
		total := must.M1(r.Comm().Count())
		fmt.Printf("\t%s -> rank %d of %d\n", r, rank, total)
	}

	if err := g.Destroy(); err != nil {
		fmt.Printf("Teardown failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Teardown clean.")
}
