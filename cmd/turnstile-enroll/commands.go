// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/turnstile-access/turnstile/credential"
	"github.com/turnstile-access/turnstile/lib/process"
	"github.com/turnstile-access/turnstile/protocol"
	"github.com/turnstile-access/turnstile/transport"
)

// exitPartial is the status when some queued messages were delivered
// and others remain.
const exitPartial = 2

// app carries what every command needs. open builds a station from
// the common flags; tests replace it.
type app struct {
	ctx     context.Context
	printer *printer
	open    func(ctx context.Context, common commonOptions) (*station, error)
}

type commonOptions struct {
	configPath string
	logLevel   string
}

func (o *commonOptions) register(flags *pflag.FlagSet) {
	flags.StringVarP(&o.configPath, "config", "c", "", "path to turnstile.yaml (default: $TURNSTILE_CONFIG)")
	flags.StringVar(&o.logLevel, "log-level", "warn", "debug, info, warn or error")
}

type targetOptions struct {
	device       string
	room         string
	discoverWait time.Duration
}

func (o *targetOptions) register(flags *pflag.FlagSet) {
	flags.StringVar(&o.device, "device", "", "target device ID")
	flags.StringVar(&o.room, "room", "", "target the device announced for this room")
	flags.DurationVar(&o.discoverWait, "discover-wait", 0, "how long to wait for the room's device to announce itself")
}

// withStation opens a station, connects, and runs fn.
func (a *app) withStation(common commonOptions, fn func(*station) error) error {
	station, err := a.open(a.ctx, common)
	if err != nil {
		return err
	}
	station.connect(a.ctx)
	err = fn(station)
	if closeErr := station.close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func (a *app) sendTo(common commonOptions, target targetOptions, commands []protocol.Command) error {
	return a.withStation(common, func(station *station) error {
		deviceID, err := station.resolve(a.ctx, target.device, target.room, target.discoverWait)
		if err != nil {
			return err
		}
		delivery, err := station.send(a.ctx, deviceID, commands)
		if err != nil {
			return err
		}
		a.printer.delivery(delivery, len(commands), deviceID)
		return nil
	})
}

func (a *app) root() *Command {
	return &Command{
		Name:        "turnstile-enroll",
		Description: "Enrollment station tool: push credentials to access devices over the broker.",
		Subcommands: []*Command{
			a.pushCommand("push", protocol.PushNewBio, "Enroll a new credential"),
			a.pushCommand("update", protocol.PushUpdateBio, "Replace a credential's data"),
			a.deleteCommand(),
			a.syncAllCommand(),
			a.devicesCommand(),
			a.flushCommand(),
		},
	}
}

// credentialOptions describe one credential from flags.
type credentialOptions struct {
	batchFile string

	bioID      string
	idNumber   string
	name       string
	faceVector string
	faceImage  string
	fingerFile string
	fingerSlot int
	card       string

	fromDate   string
	toDate     string
	fromTime   string
	toTime     string
	activeDays string
}

func (o *credentialOptions) register(flags *pflag.FlagSet) {
	flags.StringVarP(&o.batchFile, "file", "f", "", "JSON or JSONC batch file of commands")
	flags.StringVar(&o.bioID, "bio-id", "", "credential ID")
	flags.StringVar(&o.idNumber, "id-number", "", "person's ID number")
	flags.StringVar(&o.name, "name", "", "person's name")
	flags.StringVar(&o.faceVector, "face", "", "face embedding as comma-separated floats")
	flags.StringVar(&o.faceImage, "face-image", "", "enrollment photo file")
	flags.StringVar(&o.fingerFile, "finger", "", "fingerprint template file")
	flags.IntVar(&o.fingerSlot, "slot", 0, "requested fingerprint sensor slot")
	flags.StringVar(&o.card, "card", "", "RFID card UID")
	flags.StringVar(&o.fromDate, "from-date", "", "first valid date, YYYY-MM-DD")
	flags.StringVar(&o.toDate, "to-date", "", "last valid date, YYYY-MM-DD")
	flags.StringVar(&o.fromTime, "from-time", "", "daily start, HH:MM:SS")
	flags.StringVar(&o.toTime, "to-time", "", "daily end, HH:MM:SS")
	flags.StringVar(&o.activeDays, "days", "", "seven 0/1 flags starting Monday, e.g. 1111100")
}

// command builds a single command of cmdType from the flags.
func (o *credentialOptions) command(cmdType protocol.CommandType) (protocol.Command, error) {
	if o.bioID == "" {
		return protocol.Command{}, errors.New("--bio-id is required (or use --file)")
	}
	command := protocol.Command{
		BioID:      o.bioID,
		IDNumber:   o.idNumber,
		PersonName: o.name,
		CmdType:    cmdType,
		FromDate:   o.fromDate,
		ToDate:     o.toDate,
		FromTime:   o.fromTime,
		ToTime:     o.toTime,
		ActiveDays: o.activeDays,
	}
	if _, err := command.Window(); err != nil {
		return protocol.Command{}, err
	}

	if o.faceVector != "" {
		vector, err := parseVector(o.faceVector)
		if err != nil {
			return protocol.Command{}, err
		}
		face := protocol.BioData{
			BioType:  credential.PayloadFace,
			Template: base64.StdEncoding.EncodeToString(credential.EncodeVector(vector)),
		}
		if o.faceImage != "" {
			image, err := os.ReadFile(o.faceImage)
			if err != nil {
				return protocol.Command{}, fmt.Errorf("reading face image: %w", err)
			}
			face.Img = base64.StdEncoding.EncodeToString(image)
		}
		command.BioDatas = append(command.BioDatas, face)
	} else if o.faceImage != "" {
		return protocol.Command{}, errors.New("--face-image needs --face")
	}

	if o.fingerFile != "" {
		template, err := os.ReadFile(o.fingerFile)
		if err != nil {
			return protocol.Command{}, fmt.Errorf("reading fingerprint template: %w", err)
		}
		command.BioDatas = append(command.BioDatas, protocol.BioData{
			BioType:  credential.PayloadFinger,
			Template: base64.StdEncoding.EncodeToString(template),
			Slot:     o.fingerSlot,
		})
	}

	if o.card != "" {
		command.BioDatas = append(command.BioDatas, protocol.BioData{BioType: credential.PayloadIDCard, Template: o.card})
	}
	return command, nil
}

func parseVector(text string) ([]float32, error) {
	fields := strings.Split(text, ",")
	vector := make([]float32, 0, len(fields))
	for _, field := range fields {
		value, err := strconv.ParseFloat(strings.TrimSpace(field), 32)
		if err != nil {
			return nil, fmt.Errorf("--face: %w", err)
		}
		vector = append(vector, float32(value))
	}
	return vector, nil
}

func (a *app) pushCommand(name string, cmdType protocol.CommandType, summary string) *Command {
	var (
		common     commonOptions
		target     targetOptions
		fields credentialOptions
	)
	return &Command{
		Name:    name,
		Summary: summary,
		Usage:   "turnstile-enroll " + name + " (--device ID | --room ROOM) (--bio-id ID [payload flags] | --file BATCH)",
		Examples: []Example{
			{Description: "Enroll a card holder on one device", Command: "turnstile-enroll " + name + " --device AA:BB:CC:DD:EE:FF --bio-id 42 --name 'Ada' --card 04A1B2C3"},
			{Description: "Push a batch file to the device in a room", Command: "turnstile-enroll " + name + " --room 'Lab 3' --file staff.jsonc"},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
			common.register(flags)
			target.register(flags)
			fields.register(flags)
			return flags
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected arguments: %v", args)
			}
			var commands []protocol.Command
			if fields.batchFile != "" {
				if fields.bioID != "" {
					return errors.New("--file and --bio-id are mutually exclusive")
				}
				batch, err := protocol.ReadBatchFile(fields.batchFile)
				if err != nil {
					return err
				}
				commands = batch
			} else {
				command, err := fields.command(cmdType)
				if err != nil {
					return err
				}
				commands = []protocol.Command{command}
			}
			return a.sendTo(common, target, commands)
		},
	}
}

func (a *app) deleteCommand() *Command {
	var (
		common commonOptions
		target targetOptions
	)
	return &Command{
		Name:    "delete",
		Summary: "Remove credentials from a device",
		Usage:   "turnstile-enroll delete (--device ID | --room ROOM) BIO_ID...",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("delete", pflag.ContinueOnError)
			common.register(flags)
			target.register(flags)
			return flags
		},
		Run: func(args []string) error {
			if len(args) == 0 {
				return errors.New("at least one BIO_ID is required")
			}
			commands := make([]protocol.Command, 0, len(args))
			for _, bioID := range args {
				commands = append(commands, protocol.Command{BioID: bioID, CmdType: protocol.PushDeleteBio})
			}
			return a.sendTo(common, target, commands)
		},
	}
}

func (a *app) syncAllCommand() *Command {
	var (
		common     commonOptions
		target     targetOptions
		fields credentialOptions
	)
	return &Command{
		Name:    "sync-all",
		Summary: "Wipe a device's credentials, optionally reseeding it",
		Description: "Wipe every credential on a device. With --bio-id the credential is\n" +
			"enrolled after the wipe; with --file the batch is pushed after it.",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("sync-all", pflag.ContinueOnError)
			common.register(flags)
			target.register(flags)
			fields.register(flags)
			return flags
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected arguments: %v", args)
			}
			var commands []protocol.Command
			switch {
			case fields.batchFile != "":
				batch, err := protocol.ReadBatchFile(fields.batchFile)
				if err != nil {
					return err
				}
				commands = append([]protocol.Command{{CmdType: protocol.SyncAll}}, batch...)
			case fields.bioID != "":
				command, err := fields.command(protocol.SyncAll)
				if err != nil {
					return err
				}
				commands = []protocol.Command{command}
			default:
				commands = []protocol.Command{{CmdType: protocol.SyncAll}}
			}
			return a.sendTo(common, target, commands)
		},
	}
}

func (a *app) devicesCommand() *Command {
	var (
		common commonOptions
		listen time.Duration
	)
	return &Command{
		Name:    "devices",
		Summary: "List devices and the rooms they announced",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("devices", pflag.ContinueOnError)
			common.register(flags)
			flags.DurationVar(&listen, "listen", 0, "listen for device_info announcements this long before listing")
			return flags
		},
		Run: func(args []string) error {
			return a.withStation(common, func(station *station) error {
				if listen > 0 {
					select {
					case <-a.ctx.Done():
						return a.ctx.Err()
					case <-station.clock.After(listen):
					}
				}
				announcements, err := station.directory.List(a.ctx)
				if err != nil {
					return err
				}
				if len(announcements) == 0 {
					a.printer.line("no devices known")
					return nil
				}
				now := station.clock.Now()
				rows := make([][]string, 0, len(announcements))
				for _, announcement := range announcements {
					rows = append(rows, []string{
						announcement.Room,
						announcement.DeviceID,
						now.Sub(announcement.SeenAt).Truncate(time.Second).String() + " ago",
					})
				}
				a.printer.table([]string{"ROOM", "DEVICE", "SEEN"}, rows)
				return nil
			})
		},
	}
}

func (a *app) flushCommand() *Command {
	var common commonOptions
	return &Command{
		Name:    "flush",
		Summary: "Deliver commands queued while the broker was unreachable",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("flush", pflag.ContinueOnError)
			common.register(flags)
			return flags
		},
		Run: func(args []string) error {
			station, err := a.open(a.ctx, common)
			if err != nil {
				return err
			}
			defer station.close()

			before, err := station.queue.PendingCount(a.ctx)
			if err != nil {
				return err
			}
			// Connecting flushes the outbox; the explicit flush
			// retries anything the first pass left behind.
			if !station.connect(a.ctx) {
				return fmt.Errorf("broker unreachable; %d message(s) remain queued", before)
			}
			if _, err := station.session.FlushOutbox(a.ctx); err != nil && !errors.Is(err, transport.ErrNotConnected) {
				return err
			}
			after, err := station.queue.PendingCount(a.ctx)
			if err != nil {
				return err
			}
			a.printer.line("%s %d message(s), %d remain queued", a.printer.render(a.printer.good, "sent"), before-after, after)
			if after > 0 {
				return &process.ExitError{Code: exitPartial, Err: fmt.Errorf("%d message(s) could not be delivered", after)}
			}
			return nil
		},
	}
}
