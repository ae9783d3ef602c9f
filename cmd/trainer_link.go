package main

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/trainer-link/trainer-link-app/internal/bt"
	"github.com/lowaak/trainer-link/trainer-link-app/internal/clock"
	"github.com/lowaak/trainer-link/trainer-link-app/internal/go_func_utils"
	"github.com/lowaak/trainer-link/trainer-link-app/internal/link"
)

func main() {
	pflag.Bool("mock", false, "use simulated devices instead of real Bluetooth")
	pflag.String("log-file", "trainer_link.log", "log file path")
	pflag.String("trainer-address", "", "preferred trainer address")
	pflag.String("hr-address", "", "preferred heart rate sensor address")
	pflag.Int("erg-target", 0, "initial ERG target in watts (0 = off)")
	pflag.String("config", "", "config file path")
	pflag.Parse()

	viper.SetEnvPrefix("TRAINER_LINK")
	viper.AutomaticEnv()
	if err := viper.BindPFlags(pflag.CommandLine); err != nil {
		panic("failed to bind flags: " + err.Error())
	}
	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to read config %s: %v\n", configFile, err)
			os.Exit(1)
		}
	}

	logger := log.New(&lumberjack.Logger{
		Filename:   viper.GetString("log-file"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}, "", log.LstdFlags|log.Lmicroseconds)
	logger.Printf("trainer_link starting (mock=%v)", viper.GetBool("mock"))

	var manager bt.ManagerInterface
	if viper.GetBool("mock") {
		manager = link.NewMockManager(logger)
	} else {
		manager = bt.NewManager(bluetooth.DefaultAdapter, logger)
	}
	must("enable bluetooth", manager.Enable())

	startedAt := time.Now()
	stream := link.NewTelemetryStream(logger, func() float64 {
		return time.Since(startedAt).Seconds()
	})
	control := link.NewControlProtocol(clock.System(), logger)
	supervisor := link.NewSupervisor(manager, clock.System(), stream, control, logger)
	if addr := viper.GetString("trainer-address"); addr != "" {
		supervisor.SetPreferredAddress(link.RoleTrainer, addr)
	}
	if addr := viper.GetString("hr-address"); addr != "" {
		supervisor.SetPreferredAddress(link.RoleHeartRate, addr)
	}

	var ergTarget atomic.Int64
	ergTarget.Store(int64(viper.GetInt("erg-target")))

	app := tview.NewApplication()

	statusView := tview.NewTextView().SetDynamicColors(true)
	statusView.SetBorder(true).SetTitle(" Devices ")

	telemetryView := tview.NewTextView().SetDynamicColors(true)
	telemetryView.SetBorder(true).SetTitle(" Telemetry ")

	logView := tview.NewTextView().SetDynamicColors(true).SetScrollable(true)
	logView.SetBorder(true).SetTitle(" Events ")

	logView.SetChangedFunc(func() {
		app.Draw()
	})

	logMessage := func(format string, args ...interface{}) {
		message := fmt.Sprintf("[%s] %s\n", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
		fmt.Fprint(logView, message)
		logView.ScrollToEnd()
	}

	renderStatus := func() string {
		text := ""
		for _, state := range supervisor.GetStates() {
			line := fmt.Sprintf("[yellow]%s[-]: %s", state.Role, state.Status)
			if state.Status == link.StatusConnected {
				line += fmt.Sprintf(" %s (%s)", state.DisplayName, state.Address)
				if state.BatteryPct != nil {
					line += fmt.Sprintf(" battery %d%%", *state.BatteryPct)
				}
			}
			if state.LastError != "" {
				line += fmt.Sprintf(" [red]%s[-]", state.LastError)
			}
			text += line + "\n"
		}
		controlState := control.GetState()
		text += fmt.Sprintf("[yellow]control[-]: %s", controlState.Status)
		if target := ergTarget.Load(); target > 0 {
			text += fmt.Sprintf("  ERG %d W", target)
		}
		if controlState.LastError != "" {
			text += fmt.Sprintf(" [red]%s[-]", controlState.LastError)
		}
		recording := "off"
		if stream.IsRecording() {
			recording = "on"
		}
		text += fmt.Sprintf("\n[yellow]recording[-]: %s", recording)
		return text
	}

	renderTelemetry := func(snap link.TelemetrySnapshot) string {
		power, cadence, heartRate := "---", "---", "---"
		if snap.PowerWatts != nil {
			power = fmt.Sprintf("%d W", *snap.PowerWatts)
		}
		if snap.CadenceRpm != nil {
			cadence = fmt.Sprintf("%.0f rpm", *snap.CadenceRpm)
		}
		if snap.HrBpm != nil {
			heartRate = fmt.Sprintf("%d bpm", *snap.HrBpm)
		}
		return fmt.Sprintf("Power:   %s\nCadence: %s\nHR:      %s", power, cadence, heartRate)
	}

	refreshStatus := func() {
		statusView.SetText(renderStatus())
		app.Draw()
	}

	stateCh := make(chan link.ConnectionState, 16)
	unlistenState := supervisor.ListenToState(stateCh)
	controlCh := make(chan link.ControlState, 16)
	unlistenControl := control.ListenToState(controlCh)
	snapshotCh := make(chan link.TelemetrySnapshot, 16)
	unlistenSnapshot := stream.ListenToSnapshot(snapshotCh)

	done := make(chan struct{})
	go_func_utils.SafeGo(logger, func() {
		for {
			select {
			case <-done:
				return
			case state := <-stateCh:
				logMessage("%s -> %s %s", state.Role, state.Status, state.LastError)
				refreshStatus()
			case state := <-controlCh:
				logMessage("control -> %s %s", state.Status, state.LastError)
				refreshStatus()
			case snap := <-snapshotCh:
				telemetryView.SetText(renderTelemetry(snap))
				app.Draw()
			}
		}
	})

	// ERG driver: offers the target every tick, the control layer's governor
	// decides when a write actually goes out.
	go_func_utils.SafeGo(logger, func() {
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if target := ergTarget.Load(); target > 0 {
					control.SetTargetPower(float64(target))
				}
			}
		}
	})

	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(tview.NewFlex().
			AddItem(statusView, 0, 1, false).
			AddItem(telemetryView, 0, 1, false), 0, 1, false).
		AddItem(logView, 0, 2, true)

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Rune() {
		case 't':
			logMessage("connecting trainer...")
			go_func_utils.SafeGo(logger, func() { supervisor.Connect(link.RoleTrainer) })
			return nil
		case 'h':
			logMessage("connecting heart rate sensor...")
			go_func_utils.SafeGo(logger, func() { supervisor.Connect(link.RoleHeartRate) })
			return nil
		case 'd':
			supervisor.Disconnect(link.RoleTrainer)
			return nil
		case 'D':
			supervisor.Disconnect(link.RoleHeartRate)
			return nil
		case 's':
			control.Start()
			return nil
		case 'p':
			control.Pause()
			return nil
		case 'x':
			control.Stop()
			return nil
		case 'r':
			stream.SetRecording(!stream.IsRecording())
			refreshStatus()
			return nil
		case '+', '=':
			ergTarget.Store(min(ergTarget.Load()+10, int64(link.MaxTargetPowerWatts)))
			refreshStatus()
			return nil
		case '-':
			ergTarget.Store(max(ergTarget.Load()-10, 0))
			refreshStatus()
			return nil
		case 'q':
			app.Stop()
			return nil
		}
		if event.Key() == tcell.KeyEscape {
			app.Stop()
			return nil
		}
		return event
	})

	statusView.SetText(renderStatus())
	telemetryView.SetText(renderTelemetry(stream.Snapshot()))
	logMessage("keys: t/h connect, d/D disconnect, s start, p pause, x stop, +/- ERG, r record, q quit")

	if err := app.SetRoot(flex, true).Run(); err != nil {
		panic(err)
	}

	close(done)
	unlistenState()
	unlistenControl()
	unlistenSnapshot()
	supervisor.Shutdown()
	manager.Shutdown()
	logger.Printf("trainer_link stopped")
}

func must(action string, err error) {
	if err != nil {
		panic("failed to " + action + ": " + err.Error())
	}
}
