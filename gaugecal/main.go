package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/itohio/gaugecal/pkg/config"
	"github.com/itohio/gaugecal/pkg/driver"
	"github.com/itohio/gaugecal/pkg/graduation"
	"github.com/itohio/gaugecal/pkg/motion"
	"github.com/itohio/gaugecal/pkg/port"
	"github.com/itohio/gaugecal/pkg/pressure"
	"github.com/itohio/gaugecal/pkg/sample"
	"github.com/itohio/gaugecal/pkg/sensor"
	"github.com/itohio/gaugecal/pkg/service"
	"github.com/itohio/gaugecal/pkg/telemetry"
)

func main() {
	var (
		configFlag         = flag.String("config", "config.yaml", "Configuration file path")
		portFlag           = flag.String("p", "", "Pressure transducer serial port override (e.g., COM3 or /dev/ttyUSB0)")
		mockFlag           = flag.Bool("mock", false, "Simulate the stand instead of using the parallel port and transducer")
		modeFlag           = flag.String("mode", "", "Sweep mode: aim, forward or forward_backward (overrides config)")
		channelsFlag       = flag.Int("channels", 0, "Number of gauges on the stand (overrides config)")
		averageSamplesFlag = flag.Int("average-samples", -1, "Number of pressure readings to average (0 = disabled, overrides config)")
		jogFlag            = flag.String("jog", "", "Move the piston to the \"start\" or \"end\" switch and exit")
		outFlag            = flag.String("out", "", "Write the result as JSON to this file")
		listPortsFlag      = flag.Bool("list-ports", false, "List serial ports and exit")
		saveConfigFlag     = flag.Bool("save-config", false, "Write the effective configuration to -config and exit")
	)
	flag.Parse()

	if *listPortsFlag {
		listPorts()
		return
	}

	// Load configuration
	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Command line overrides
	if *portFlag != "" {
		cfg.Sensor.Port = *portFlag
	}
	if *modeFlag != "" {
		cfg.Controller.Mode = *modeFlag
	}
	if *channelsFlag > 0 {
		cfg.Graduation.Channels = *channelsFlag
	}
	if *averageSamplesFlag >= 0 {
		cfg.Sensor.AverageSamples = *averageSamplesFlag
	}
	if *mockFlag {
		cfg.Driver.Port = "mock"
	}

	if *saveConfigFlag {
		if err := cfg.Save(*configFlag); err != nil {
			log.Fatalf("Failed to save configuration: %v", err)
		}
		log.Printf("Configuration written to %s", *configFlag)
		return
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	mode, err := motion.ParseMode(cfg.Controller.Mode)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	unit, err := pressure.ParseUnit(cfg.Graduation.Unit)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	stand, err := newApp(cfg, unit)
	if err != nil {
		log.Fatalf("Failed to set up the stand: %v", err)
	}
	defer stand.close()

	if *jogFlag != "" {
		if err := stand.jog(*jogFlag); err != nil {
			log.Printf("Jog failed: %v", err)
			stand.close()
			os.Exit(1)
		}
		return
	}

	res, err := stand.graduate(mode, unit)
	if res != nil {
		printResult(os.Stdout, res)
		if *outFlag != "" {
			if err := writeResult(*outFlag, res); err != nil {
				log.Printf("Failed to write result: %v", err)
			}
		}
	}
	if err != nil {
		log.Printf("Graduation failed: %v", err)
		stand.close()
		os.Exit(1)
	}
}

// app holds the hardware chain of one stand.
type app struct {
	cfg    *config.Config
	port   port.IO
	driver *driver.Driver
	sim    *simulator
	pub    telemetry.Publisher
	svc    *service.Service
	device sensor.Device
	fed    chan struct{} // Closed when the pressure feed goroutine exits
	closed bool
}

func newApp(cfg *config.Config, unit pressure.Unit) (*app, error) {
	a := &app{cfg: cfg}

	p, err := port.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open parallel port: %w", err)
	}
	a.port = p

	var opts []driver.Option
	mockPort, simulated := p.(*port.Mock)
	if simulated {
		// Busy waiting only matters for real step timing
		opts = append(opts, driver.WithDelay(driver.SleepDelay))
	}
	a.driver, err = driver.New(&cfg.Driver, p, opts...)
	if err != nil {
		a.close()
		return nil, err
	}

	var sampling motion.SamplingRate
	if simulated {
		a.sim = newSimulator(cfg, a.driver, mockPort)
		sampling = a.sim
	}

	a.pub, err = telemetry.New(&cfg.MQTT)
	if err != nil {
		log.Printf("Telemetry disabled: %v", err)
		a.pub = telemetry.Nop{}
	}

	a.svc, err = service.New(cfg, a.driver, newConsolePrompt(os.Stdin, os.Stdout), sampling, a.pub)
	if err != nil {
		a.close()
		return nil, err
	}
	a.svc.OnState(func(st service.State) {
		log.Printf("Graduation %s", st)
	})

	if err := a.connect(unit); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// connect starts the pressure chain and the angle source.
func (a *app) connect(unit pressure.Unit) error {
	if a.sim != nil {
		m := sensor.NewMock(&a.cfg.Mock, unit)
		m.SetSource(a.sim.Pressure)
		a.device = m
		a.sim.OnAngle(a.svc.OnAngle)
		a.sim.Start()
	} else {
		d, err := sensor.New(&a.cfg.Sensor)
		if err != nil {
			return err
		}
		a.device = d
		if src, ok := a.pub.(telemetry.AngleSource); ok {
			if err := src.SubscribeAngles(a.svc.OnAngle); err != nil {
				return err
			}
		} else {
			log.Printf("No MQTT broker configured, needle angles will not be received")
		}
	}

	if err := a.device.Connect(); err != nil {
		return fmt.Errorf("failed to connect pressure transducer: %w", err)
	}

	convert := sample.NewAveragingConverter(a.cfg.Sensor.ZeroOffset, a.cfg.Sensor.AverageSamples, sensor.DefaultBufferSize)
	samples := convert(a.device.Samples())

	a.fed = make(chan struct{})
	go func() {
		defer close(a.fed)
		for s := range samples {
			a.svc.OnPressure(s.Pressure)
		}
	}()
	return nil
}

// close tears the chain down in reverse order. Safe to call more than once.
func (a *app) close() {
	if a.closed {
		return
	}
	a.closed = true

	if a.svc != nil {
		a.svc.Interrupt()
	}
	if a.device != nil {
		a.device.Close()
	}
	if a.fed != nil {
		<-a.fed
	}
	if a.driver != nil {
		a.driver.SetFrequency(0)
		a.driver.Stop()
	}
	if a.sim != nil {
		a.sim.Stop()
	}
	if a.pub != nil {
		a.pub.Close()
	}
	if a.port != nil {
		a.port.Close()
	}
}

func (a *app) jog(target string) error {
	ctl := a.svc.Controller()
	switch target {
	case "end":
		return ctl.GoToEnd()
	case "start":
		return ctl.GoToStart()
	}
	return fmt.Errorf("unknown jog target %q, want start or end", target)
}

// graduate runs one sweep. SIGINT and SIGTERM interrupt it; the partial
// result is still returned.
func (a *app) graduate(mode motion.Mode, unit pressure.Unit) (*service.Result, error) {
	nodes := a.cfg.Graduation.NodePressures
	run, err := a.svc.Prepare(nodes, unit, mode)
	if err != nil {
		return nil, err
	}
	log.Printf("Run: %s on stand %s, target %.4g %s, preload %.4g %s, velocity %.3g..%.3g %s/s",
		run.Mode, a.svc.Controller().Stand().Name,
		run.TargetPressure, unit, run.PreloadPressure, unit,
		run.MinVelocity, run.MaxVelocity, unit)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case s := <-sig:
			log.Printf("Received %s, interrupting", s)
			a.svc.Interrupt()
		case <-stop:
		}
	}()

	if err := a.svc.Start(); err != nil {
		return nil, err
	}
	err = a.svc.Wait()
	return a.svc.Result(), err
}

func listPorts() {
	ports, err := sensor.Ports()
	if err != nil {
		log.Fatalf("Failed to list serial ports: %v", err)
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return
	}
	for _, p := range ports {
		fmt.Println(p.Name)
	}
}

// printResult writes one table per channel.
func printResult(w io.Writer, res *service.Result) {
	fmt.Fprintf(w, "\nRun %s, stand %s, mode %s", res.RunID, res.Stand, res.Mode)
	if res.Interrupted {
		fmt.Fprintf(w, " (interrupted: %s)", res.Error)
	}
	fmt.Fprintln(w)

	for _, ch := range res.Channels {
		fmt.Fprintf(w, "\nChannel %d, %d samples\n", ch.Channel+1, ch.Samples)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintf(tw, "Pressure, %s\tForward, deg\tBackward, deg\t\n", res.Unit)
		for i := range ch.Forward {
			back := "-"
			if i < len(ch.Backward) {
				back = angle(ch.Backward[i])
			}
			fmt.Fprintf(tw, "%.4g\t%s\t%s\t\n", ch.Forward[i].Pressure, angle(ch.Forward[i]), back)
		}
		tw.Flush()
		fmt.Fprintf(w, "Range forward %s, backward %s, nonlinearity %s\n",
			optional(ch.ForwardRange), optional(ch.BackRange), optional(ch.Nonlinearity))
	}
}

func angle(n graduation.NodeResult) string {
	if !n.Valid {
		return "-"
	}
	return optional(&n.Angle)
}

func optional(v *float64) string {
	if v == nil || math.IsNaN(*v) {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}

func writeResult(filename string, res *service.Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write result file: %w", err)
	}
	return nil
}
