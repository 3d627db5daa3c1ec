// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

/*
Starts a single synchronized or unsynchronized participant that connects to
a broker, installs the WorkflowConfiguration when it arrives, and, if
synchronized, runs a no-op SimulationStep once the orchestrator issues
SystemCommand::Run.

For usage details, run participant with the command line flag -h or --help.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coatyio/simsync/bus/mqttbus"
	"github.com/coatyio/simsync/clog"
	"github.com/coatyio/simsync/config"
	"github.com/coatyio/simsync/core"
	"github.com/coatyio/simsync/lifecycle"
	"github.com/coatyio/simsync/statustracker"
	"github.com/coatyio/simsync/timesync"
	"github.com/coatyio/simsync/workflow"
)

func main() {
	var brokerUrl, configPath string
	var id int
	var help, verbose bool

	flag.Usage = usage
	flag.StringVar(&brokerUrl, "b", "tcp://localhost:1883", "MQTT 5 Broker URL")
	flag.StringVar(&configPath, "c", "", "Path to the participant's ParticipantConfig YAML file")
	flag.IntVar(&id, "id", 0, "ParticipantId assigned to this process")
	flag.BoolVar(&help, "h", false, "Show usage information")
	flag.BoolVar(&verbose, "l", false, "Show logging output (for debugging)")
	flag.Parse()

	if help || configPath == "" {
		usage()
		os.Exit(0)
	}

	var log clog.Logger = clog.Discard()
	if verbose {
		log = clog.New(os.Stdout, fmt.Sprintf("[participant %d] ", id), true)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := mqttbus.Dial(ctx, brokerUrl, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connecting to broker: %v\n", err)
		os.Exit(1)
	}
	defer b.Close()

	participantId := core.ParticipantId(id)
	address := core.EndpointAddress{Participant: participantId, Endpoint: core.SyncMasterEndpointId}
	ep, err := b.Open(address)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening endpoint: %v\n", err)
		os.Exit(1)
	}

	var lc *lifecycle.Controller
	receiver := workflow.NewReceiver(ep, log, nil, func(err error) {
		if lc != nil {
			lc.Fail(err.Error())
		}
	})
	tracker := statustracker.New(log, receiver)
	tracker.Subscribe(ep)

	syncType, err := cfg.SyncType.ToSyncType()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	lc = lifecycle.New(cfg.ParticipantName, participantId, ep, tracker, log,
		lifecycle.WithCommunicationReadyHandler(func() error {
			log.Infof("%s ready for communication", cfg.ParticipantName)
			return nil
		}),
		lifecycle.WithStopHandler(func() error {
			log.Infof("%s stopping", cfg.ParticipantName)
			return nil
		}),
		lifecycle.WithShutdownHandler(func() error {
			log.Infof("%s shutting down", cfg.ParticipantName)
			return nil
		}),
	)
	lc.Start()

	if syncType != timesync.Unsynchronized {
		masterAddress := core.EndpointAddress{Participant: 0, Endpoint: core.SyncMasterEndpointId}
		svc, err := timesync.New(syncType, ep, masterAddress, lc, log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		if err := svc.SetPeriod(cfg.TickPeriodDuration()); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		step := func(now int64) error {
			log.Debugf("%s simulating at t=%d", cfg.ParticipantName, now)
			return nil
		}
		if err := svc.SetSimulationTask(step); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		defer svc.Stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	done := make(chan core.ParticipantState, 1)
	go func() { done <- lc.WaitForLifecycleToComplete() }()

	select {
	case <-sigCh:
		log.Infof("terminating %s on signal", cfg.ParticipantName)
	case final := <-done:
		log.Infof("%s reached terminal state %s", cfg.ParticipantName, final)
	}

	// Give in-flight dispatch a moment to publish the final status before
	// the process (and its endpoint's dispatch goroutine) exits.
	time.Sleep(100 * time.Millisecond)
}

func usage() {
	fmt.Printf(`usage: participant -c configPath [-id n] [-b brokerUrl] [-l] [-h|--help]

Starts one synchronized or unsynchronized simulation participant.

Flags:
`)
	flag.PrintDefaults()
}
