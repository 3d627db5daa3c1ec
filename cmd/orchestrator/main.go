// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

/*
Starts the orchestrator: the one process that distributes the
WorkflowConfiguration, hosts the SyncMaster, tracks SystemState, and issues
SystemCommand::Run/Stop/Shutdown as participants come online and go.

For usage details, run orchestrator with the command line flag -h or --help.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/coatyio/simsync/bus"
	"github.com/coatyio/simsync/bus/mqttbus"
	"github.com/coatyio/simsync/clog"
	"github.com/coatyio/simsync/config"
	"github.com/coatyio/simsync/core"
	"github.com/coatyio/simsync/statustracker"
	"github.com/coatyio/simsync/syncmaster"
	"github.com/coatyio/simsync/workflow"
)

// orchestratorParticipantId is the conventional ParticipantId of the
// EndpointAddress the orchestrator's own workflow.Distributor, statustracker.Tracker and
// syncmaster.Master share; individual participants address their
// QuantumRequest/TickDone traffic here.
const orchestratorParticipantId core.ParticipantId = 0

func main() {
	var brokerUrl, setupPath string
	var help, verbose bool

	flag.Usage = usage
	flag.StringVar(&brokerUrl, "b", "tcp://localhost:1883", "MQTT 5 Broker URL")
	flag.StringVar(&setupPath, "c", "", "Path to the WorkflowSetup YAML file")
	flag.BoolVar(&help, "h", false, "Show usage information")
	flag.BoolVar(&verbose, "l", false, "Show logging output (for debugging)")
	flag.Parse()

	if help || setupPath == "" {
		usage()
		os.Exit(0)
	}

	var log clog.Logger = clog.Discard()
	if verbose {
		log = clog.New(os.Stdout, "[orchestrator] ", true)
	}

	setup, err := config.LoadWorkflowSetup(setupPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading workflow setup: %v\n", err)
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

	address := core.EndpointAddress{Participant: orchestratorParticipantId, Endpoint: core.SyncMasterEndpointId}
	ep, err := b.Open(address)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening endpoint: %v\n", err)
		os.Exit(1)
	}

	distributor := workflow.NewDistributor(ep, log)
	receiver := workflow.NewReceiver(ep, log, nil, func(err error) {
		log.Errorf("orchestrator observed WorkflowConfiguration conflict: %v", err)
	})
	tracker := statustracker.New(log, receiver)
	tracker.Subscribe(ep)

	var syncParticipants []syncmaster.Participant
	for _, p := range setup.Participants {
		st, _ := p.SyncType.ToSyncType()
		syncParticipants = append(syncParticipants, syncmaster.Participant{
			Name:     p.Name,
			Id:       core.ParticipantId(p.Id),
			SyncType: st,
		})
	}
	master := syncmaster.New(syncParticipants, setup.TickPeriodDuration(), ep, tracker, log)

	if err := distributor.SetWorkflowConfiguration(setup.RequiredNames()); err != nil {
		fmt.Fprintf(os.Stderr, "distributing workflow configuration: %v\n", err)
		os.Exit(1)
	}

	tracker.AddSystemStateHandler(func(s core.SystemState) {
		log.Infof("SystemState -> %s", s)
		switch s {
		case core.SystemState(core.ReadyToRun):
			if err := ep.Send(runCommand()); err != nil {
				log.Warnf("failed to send SystemCommand::Run: %v", err)
			}
		case core.SystemState(core.Stopped):
			if err := ep.Send(shutdownCommand()); err != nil {
				log.Warnf("failed to send SystemCommand::Shutdown: %v", err)
			}
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	g.Go(func() error {
		select {
		case <-sigCh:
			log.Infof("received termination signal, broadcasting SystemCommand::Stop")
			return ep.Send(stopCommand())
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		master.WaitForShutdown()
		log.Infof("required participants have shut down")
		return nil
	})

	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: %v\n", err)
		os.Exit(1)
	}
}

func runCommand() bus.Envelope {
	return bus.Envelope{
		Type:    core.TypeSystemCommand,
		To:      bus.Broadcast,
		Payload: core.SystemCommand{Kind: core.SystemCommandRun},
	}
}

func stopCommand() bus.Envelope {
	return bus.Envelope{
		Type:    core.TypeSystemCommand,
		To:      bus.Broadcast,
		Payload: core.SystemCommand{Kind: core.SystemCommandStop},
	}
}

func shutdownCommand() bus.Envelope {
	return bus.Envelope{
		Type:    core.TypeSystemCommand,
		To:      bus.Broadcast,
		Payload: core.SystemCommand{Kind: core.SystemCommandShutdown},
	}
}

func usage() {
	fmt.Printf(`usage: orchestrator -c setupPath [-b brokerUrl] [-l] [-h|--help]

Starts the orchestrator for the participants listed in setupPath.

Flags:
`)
	flag.PrintDefaults()
}
