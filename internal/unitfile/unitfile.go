// Package unitfile generates and parses the systemd unit text for world
// service bindings and scheduled backup jobs. Generation is pure string
// construction; nothing here touches systemctl or the filesystem.
package unitfile

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/coreos/go-systemd/v22/unit"
)

// ServerBinary is the dedicated server executable inside the install
// directory.
const ServerBinary = "valheim_server.x86_64"

const (
	unitPrefix       = "valheim-"
	backupUnitPrefix = "valheim-backup-"
)

// ServiceName returns the service unit name for a world's binding.
func ServiceName(world string) string {
	return unitPrefix + world + ".service"
}

// BackupServiceName returns the oneshot unit name for a world's backup job.
func BackupServiceName(world string) string {
	return backupUnitPrefix + world + ".service"
}

// BackupTimerName returns the timer unit name for a world's backup job.
func BackupTimerName(world string) string {
	return backupUnitPrefix + world + ".timer"
}

// WorldFromServiceName extracts the world name from a binding unit name.
// Backup job units share the valheim- prefix and are excluded here.
func WorldFromServiceName(name string) (string, bool) {
	if strings.HasPrefix(name, backupUnitPrefix) {
		return "", false
	}
	if !strings.HasPrefix(name, unitPrefix) || !strings.HasSuffix(name, ".service") {
		return "", false
	}
	world := strings.TrimSuffix(strings.TrimPrefix(name, unitPrefix), ".service")
	if world == "" {
		return "", false
	}
	return world, true
}

// ServiceBinding describes one world's supervised process definition: the
// launch parameters that end up on the server's command line. The world name
// and port are machine-extractable from the rendered text again via
// BindingWorld and BindingPort.
type ServiceBinding struct {
	World       string
	DisplayName string
	Port        int
	Password    string
	Public      bool
	Crossplay   bool
	NoRaids     bool
}

// Generator renders bindings and backup jobs into unit file text for a fixed
// set of host paths.
type Generator struct {
	InstallDir string
	SaveDir    string
	LogDir     string
}

// Service renders the service unit for a world binding. The server process
// appends its own output to <LogDir>/<world>.log, which the readiness watcher
// tails after a start.
func (g Generator) Service(b ServiceBinding) string {
	logPath := filepath.Join(g.LogDir, b.World+".log")

	public := "0"
	if b.Public {
		public = "1"
	}
	args := []string{
		filepath.Join(g.InstallDir, ServerBinary),
		"-name", b.DisplayName,
		"-port", strconv.Itoa(b.Port),
		"-world", b.World,
		"-password", b.Password,
		"-public", public,
		"-savedir", g.SaveDir,
	}
	if b.Crossplay {
		args = append(args, "-crossplay")
	}
	if b.NoRaids {
		args = append(args, "-modifier", "raids", "none")
	}

	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", fmt.Sprintf("Valheim dedicated server (%s)", b.World)),
		unit.NewUnitOption("Unit", "Wants", "network-online.target"),
		unit.NewUnitOption("Unit", "After", "network-online.target"),
		unit.NewUnitOption("Service", "Type", "simple"),
		unit.NewUnitOption("Service", "WorkingDirectory", g.InstallDir),
		unit.NewUnitOption("Service", "Environment", "SteamAppId=892970"),
		unit.NewUnitOption("Service", "Environment", "LD_LIBRARY_PATH=./linux64:$LD_LIBRARY_PATH"),
		unit.NewUnitOption("Service", "ExecStart", strings.Join(args, " ")),
		unit.NewUnitOption("Service", "Restart", "on-failure"),
		unit.NewUnitOption("Service", "RestartSec", "10"),
		unit.NewUnitOption("Service", "StandardOutput", "append:"+logPath),
		unit.NewUnitOption("Service", "StandardError", "append:"+logPath),
		unit.NewUnitOption("Install", "WantedBy", "multi-user.target"),
	}
	return render(opts)
}

// BackupService renders the oneshot unit that runs a world's backup script.
func (g Generator) BackupService(world, scriptPath string) string {
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", fmt.Sprintf("Valheim backup job (%s)", world)),
		unit.NewUnitOption("Service", "Type", "oneshot"),
		unit.NewUnitOption("Service", "ExecStart", scriptPath),
	}
	return render(opts)
}

// BackupTimer renders the timer that fires a world's backup job on the given
// OnCalendar expression. Persistent=true catches up a firing missed while the
// host was down.
func (g Generator) BackupTimer(world, onCalendar string) string {
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", fmt.Sprintf("Valheim backup schedule (%s)", world)),
		unit.NewUnitOption("Timer", "OnCalendar", onCalendar),
		unit.NewUnitOption("Timer", "Persistent", "true"),
		unit.NewUnitOption("Timer", "Unit", BackupServiceName(world)),
		unit.NewUnitOption("Install", "WantedBy", "timers.target"),
	}
	return render(opts)
}

func render(opts []*unit.UnitOption) string {
	data, _ := io.ReadAll(unit.Serialize(opts))
	return string(data)
}

// option returns the first value of a section/name pair in unit text.
func option(text, section, name string) (string, error) {
	opts, err := unit.Deserialize(strings.NewReader(text))
	if err != nil {
		return "", fmt.Errorf("parse unit: %w", err)
	}
	for _, opt := range opts {
		if opt.Section == section && opt.Name == name {
			return opt.Value, nil
		}
	}
	return "", fmt.Errorf("unit option %s.%s not found", section, name)
}

func execStartArg(text, flag string) (string, error) {
	execStart, err := option(text, "Service", "ExecStart")
	if err != nil {
		return "", err
	}
	fields := strings.Fields(execStart)
	for i, f := range fields {
		if f == flag && i+1 < len(fields) {
			return fields[i+1], nil
		}
	}
	return "", fmt.Errorf("no %s argument in ExecStart", flag)
}

// BindingPort extracts the -port argument from a binding's unit text. Used
// for the port-collision scan across all existing bindings.
func BindingPort(text string) (int, error) {
	raw, err := execStartArg(text, "-port")
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse port %q: %w", raw, err)
	}
	return port, nil
}

// BindingWorld extracts the -world argument from a binding's unit text.
func BindingWorld(text string) (string, error) {
	return execStartArg(text, "-world")
}

// TimerOnCalendar extracts the OnCalendar expression from timer unit text.
// The installed interval is recovered from this rather than tracked
// separately, so the unit file stays the single source of truth.
func TimerOnCalendar(text string) (string, error) {
	return option(text, "Timer", "OnCalendar")
}
