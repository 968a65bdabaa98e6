// Package store persists profiles, functions, channel settings and
// modes in a local SQLite database.
package store

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"codeberg.org/mutker/coolerd/internal/device"
	"codeberg.org/mutker/coolerd/internal/errors"
	"codeberg.org/mutker/coolerd/internal/logger"
)

const (
	defaultDirPerm = 0o755

	// DefaultProfileUID is the UID of the built-in default profile. It
	// always exists and cannot be deleted.
	DefaultProfileUID = "0"
)

// ChannelSetting is a persisted setting bound to a device channel,
// reapplied on startup.
type ChannelSetting struct {
	DeviceUID string         `json:"device_uid"`
	Setting   device.Setting `json:"setting"`
}

// Mode is a named snapshot of channel settings that can be activated
// as a whole.
type Mode struct {
	UID      string           `json:"uid"`
	Name     string           `json:"name"`
	Settings []ChannelSetting `json:"settings"`
}

type Store struct {
	db     *sql.DB
	dbPath string
	logger logger.Logger
}

func New(dbPath string, log logger.Logger) (*Store, error) {
	errFactory := errors.New()

	if dbPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), defaultDirPerm); err != nil {
			return nil, errFactory.WithData(ErrStorageInit, struct {
				Phase string
				Path  string
				Error string
			}{
				Phase: "create_directory",
				Path:  dbPath,
				Error: err.Error(),
			})
		}
	}

	// WAL keeps readers unblocked during setting writes
	dsn := dbPath + "?_journal=WAL&_auto_vacuum=2"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	if err := ValidateAndUpdateSchema(db, dbPath, log); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}

	s := &Store{
		db:     db,
		dbPath: dbPath,
		logger: log,
	}

	if err := s.seedDefaults(); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().
		Str("path", dbPath).
		Int("schema_version", SchemaVersion).
		Msg("Settings store initialized")

	return s, nil
}

// seedDefaults inserts the built-in default profile and function when
// missing. Existing rows are left untouched.
func (s *Store) seedDefaults() error {
	fn := device.DefaultFunction()
	if _, err := s.db.Exec(`
        INSERT OR IGNORE INTO functions
            (uid, name, type, response_delay, deviance, only_downward, sample_window, duty_minimum, duty_maximum)
        VALUES (?, ?, ?, NULL, NULL, NULL, NULL, ?, ?)
    `, fn.UID, fn.Name, string(fn.Type), fn.DutyMinimum, fn.DutyMaximum); err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	if _, err := s.db.Exec(`
        INSERT OR IGNORE INTO profiles (uid, name, type, function_uid)
        VALUES (?, 'Default Profile', ?, ?)
    `, DefaultProfileUID, string(device.ProfileDefault), device.DefaultFunctionUID); err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	return nil
}

func (s *Store) Close() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to checkpoint WAL")
	}

	if err := s.db.Close(); err != nil {
		return errors.New().Wrap(ErrStorageClose, err)
	}

	s.logger.Info().Msg("Settings store closed gracefully")

	return nil
}

// Profiles

func (s *Store) Profiles() ([]device.Profile, error) {
	rows, err := s.db.Query(`
        SELECT uid, name, type, fixed_duty, curve, temp_source, function_uid
        FROM profiles ORDER BY name
    `)
	if err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var profiles []device.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}

	return profiles, nil
}

func (s *Store) ProfileByUID(uid string) (*device.Profile, error) {
	row := s.db.QueryRow(`
        SELECT uid, name, type, fixed_duty, curve, temp_source, function_uid
        FROM profiles WHERE uid = ?
    `, uid)

	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.New().
			WithMessage(ErrNotFound, "profile not found").
			WithData(uid)
	}
	if err != nil {
		return nil, err
	}

	return &p, nil
}

func (s *Store) SaveProfile(p device.Profile) error {
	curve, err := marshalNullable(p.Curve)
	if err != nil {
		return err
	}
	source, err := marshalNullable(p.TempSource)
	if err != nil {
		return err
	}

	if p.FunctionUID == "" {
		p.FunctionUID = device.DefaultFunctionUID
	}

	if _, err := s.db.Exec(`
        INSERT INTO profiles (uid, name, type, fixed_duty, curve, temp_source, function_uid)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(uid) DO UPDATE SET
            name = excluded.name,
            type = excluded.type,
            fixed_duty = excluded.fixed_duty,
            curve = excluded.curve,
            temp_source = excluded.temp_source,
            function_uid = excluded.function_uid
    `, p.UID, p.Name, string(p.Type), p.FixedDuty, curve, source, p.FunctionUID); err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	return nil
}

func (s *Store) DeleteProfile(uid string) error {
	if uid == DefaultProfileUID {
		return errors.New().
			WithMessage(ErrProtected, "the default profile cannot be deleted")
	}

	res, err := s.db.Exec(`DELETE FROM profiles WHERE uid = ?`, uid)
	if err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.New().
			WithMessage(ErrNotFound, "profile not found").
			WithData(uid)
	}

	return nil
}

// Functions

func (s *Store) Functions() ([]device.Function, error) {
	rows, err := s.db.Query(`
        SELECT uid, name, type, response_delay, deviance, only_downward, sample_window, duty_minimum, duty_maximum
        FROM functions ORDER BY name
    `)
	if err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var functions []device.Function
	for rows.Next() {
		fn, err := scanFunction(rows)
		if err != nil {
			return nil, err
		}
		functions = append(functions, fn)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}

	return functions, nil
}

func (s *Store) FunctionByUID(uid string) (device.Function, error) {
	row := s.db.QueryRow(`
        SELECT uid, name, type, response_delay, deviance, only_downward, sample_window, duty_minimum, duty_maximum
        FROM functions WHERE uid = ?
    `, uid)

	fn, err := scanFunction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return device.Function{}, errors.New().
			WithMessage(ErrNotFound, "function not found").
			WithData(uid)
	}

	return fn, err
}

func (s *Store) SaveFunction(fn device.Function) error {
	var onlyDownward *int
	if fn.OnlyDownward != nil {
		v := 0
		if *fn.OnlyDownward {
			v = 1
		}
		onlyDownward = &v
	}

	if _, err := s.db.Exec(`
        INSERT INTO functions
            (uid, name, type, response_delay, deviance, only_downward, sample_window, duty_minimum, duty_maximum)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(uid) DO UPDATE SET
            name = excluded.name,
            type = excluded.type,
            response_delay = excluded.response_delay,
            deviance = excluded.deviance,
            only_downward = excluded.only_downward,
            sample_window = excluded.sample_window,
            duty_minimum = excluded.duty_minimum,
            duty_maximum = excluded.duty_maximum
    `, fn.UID, fn.Name, string(fn.Type), fn.ResponseDelay, fn.Deviance, onlyDownward,
		fn.SampleWindow, fn.DutyMinimum, fn.DutyMaximum); err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	return nil
}

// DeleteFunction removes a function. Profiles referencing it fall back
// to the default function.
func (s *Store) DeleteFunction(uid string) error {
	if uid == device.DefaultFunctionUID {
		return errors.New().
			WithMessage(ErrProtected, "the default function cannot be deleted")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.New().Wrap(ErrTransactionFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				s.logger.Debug().Err(err).Msg("Failed to rollback transaction")
			}
		}
	}()

	res, err := tx.Exec(`DELETE FROM functions WHERE uid = ?`, uid)
	if err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.New().
			WithMessage(ErrNotFound, "function not found").
			WithData(uid)
	}

	if _, err := tx.Exec(`
        UPDATE profiles SET function_uid = ? WHERE function_uid = ?
    `, device.DefaultFunctionUID, uid); err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	if err := tx.Commit(); err != nil {
		return errors.New().Wrap(ErrTransactionFailed, err)
	}
	committed = true

	return nil
}

// Channel settings

func (s *Store) SaveChannelSetting(deviceUID string, setting device.Setting) error {
	buf, err := json.Marshal(setting)
	if err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	if _, err := s.db.Exec(`
        INSERT INTO channel_settings (device_uid, channel_name, setting)
        VALUES (?, ?, ?)
        ON CONFLICT(device_uid, channel_name) DO UPDATE SET setting = excluded.setting
    `, deviceUID, setting.ChannelName, string(buf)); err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	return nil
}

func (s *Store) ChannelSettings() ([]ChannelSetting, error) {
	rows, err := s.db.Query(`
        SELECT device_uid, setting FROM channel_settings
        ORDER BY device_uid, channel_name
    `)
	if err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var settings []ChannelSetting
	for rows.Next() {
		var deviceUID, raw string
		if err := rows.Scan(&deviceUID, &raw); err != nil {
			return nil, errors.New().Wrap(ErrStorageAccess, err)
		}

		var setting device.Setting
		if err := json.Unmarshal([]byte(raw), &setting); err != nil {
			return nil, errors.New().Wrap(ErrStorageAccess, err)
		}
		settings = append(settings, ChannelSetting{DeviceUID: deviceUID, Setting: setting})
	}

	if err := rows.Err(); err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}

	return settings, nil
}

func (s *Store) DeleteChannelSetting(deviceUID, channelName string) error {
	if _, err := s.db.Exec(`
        DELETE FROM channel_settings WHERE device_uid = ? AND channel_name = ?
    `, deviceUID, channelName); err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	return nil
}

// Modes

func (s *Store) SaveMode(mode Mode) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.New().Wrap(ErrTransactionFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				s.logger.Debug().Err(err).Msg("Failed to rollback transaction")
			}
		}
	}()

	if _, err := tx.Exec(`
        INSERT INTO modes (uid, name, created_at)
        VALUES (?, ?, datetime('now'))
        ON CONFLICT(uid) DO UPDATE SET name = excluded.name
    `, mode.UID, mode.Name); err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	if _, err := tx.Exec(`DELETE FROM mode_settings WHERE mode_uid = ?`, mode.UID); err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	for _, cs := range mode.Settings {
		buf, err := json.Marshal(cs.Setting)
		if err != nil {
			return errors.New().Wrap(ErrStorageAccess, err)
		}
		if _, err := tx.Exec(`
            INSERT INTO mode_settings (mode_uid, device_uid, channel_name, setting)
            VALUES (?, ?, ?, ?)
        `, mode.UID, cs.DeviceUID, cs.Setting.ChannelName, string(buf)); err != nil {
			return errors.New().Wrap(ErrStorageAccess, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.New().Wrap(ErrTransactionFailed, err)
	}
	committed = true

	return nil
}

func (s *Store) Modes() ([]Mode, error) {
	rows, err := s.db.Query(`SELECT uid, name FROM modes ORDER BY created_at`)
	if err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var modes []Mode
	for rows.Next() {
		var m Mode
		if err := rows.Scan(&m.UID, &m.Name); err != nil {
			return nil, errors.New().Wrap(ErrStorageAccess, err)
		}
		modes = append(modes, m)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}

	for i := range modes {
		settings, err := s.modeSettings(modes[i].UID)
		if err != nil {
			return nil, err
		}
		modes[i].Settings = settings
	}

	return modes, nil
}

func (s *Store) ModeByUID(uid string) (*Mode, error) {
	var m Mode
	err := s.db.QueryRow(`SELECT uid, name FROM modes WHERE uid = ?`, uid).Scan(&m.UID, &m.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.New().
			WithMessage(ErrNotFound, "mode not found").
			WithData(uid)
	}
	if err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}

	settings, err := s.modeSettings(uid)
	if err != nil {
		return nil, err
	}
	m.Settings = settings

	return &m, nil
}

func (s *Store) DeleteMode(uid string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.New().Wrap(ErrTransactionFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				s.logger.Debug().Err(err).Msg("Failed to rollback transaction")
			}
		}
	}()

	res, err := tx.Exec(`DELETE FROM modes WHERE uid = ?`, uid)
	if err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.New().
			WithMessage(ErrNotFound, "mode not found").
			WithData(uid)
	}

	if _, err := tx.Exec(`DELETE FROM mode_settings WHERE mode_uid = ?`, uid); err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	if err := tx.Commit(); err != nil {
		return errors.New().Wrap(ErrTransactionFailed, err)
	}
	committed = true

	return nil
}

func (s *Store) modeSettings(modeUID string) ([]ChannelSetting, error) {
	rows, err := s.db.Query(`
        SELECT device_uid, setting FROM mode_settings
        WHERE mode_uid = ? ORDER BY device_uid, channel_name
    `, modeUID)
	if err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var settings []ChannelSetting
	for rows.Next() {
		var deviceUID, raw string
		if err := rows.Scan(&deviceUID, &raw); err != nil {
			return nil, errors.New().Wrap(ErrStorageAccess, err)
		}

		var setting device.Setting
		if err := json.Unmarshal([]byte(raw), &setting); err != nil {
			return nil, errors.New().Wrap(ErrStorageAccess, err)
		}
		settings = append(settings, ChannelSetting{DeviceUID: deviceUID, Setting: setting})
	}

	if err := rows.Err(); err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}

	return settings, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (device.Profile, error) {
	var p device.Profile
	var ptype string
	var fixedDuty sql.NullInt64
	var curve, source sql.NullString

	if err := row.Scan(&p.UID, &p.Name, &ptype, &fixedDuty, &curve, &source, &p.FunctionUID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, errors.New().Wrap(ErrStorageAccess, err)
	}

	p.Type = device.ProfileType(ptype)
	if fixedDuty.Valid {
		duty := int(fixedDuty.Int64)
		p.FixedDuty = &duty
	}
	if curve.Valid && curve.String != "" {
		if err := json.Unmarshal([]byte(curve.String), &p.Curve); err != nil {
			return p, errors.New().Wrap(ErrStorageAccess, err)
		}
	}
	if source.Valid && source.String != "" {
		p.TempSource = &device.TempSource{}
		if err := json.Unmarshal([]byte(source.String), p.TempSource); err != nil {
			return p, errors.New().Wrap(ErrStorageAccess, err)
		}
	}

	return p, nil
}

func scanFunction(row rowScanner) (device.Function, error) {
	var fn device.Function
	var ftype string
	var responseDelay, onlyDownward, sampleWindow sql.NullInt64
	var deviance sql.NullFloat64

	err := row.Scan(&fn.UID, &fn.Name, &ftype, &responseDelay, &deviance,
		&onlyDownward, &sampleWindow, &fn.DutyMinimum, &fn.DutyMaximum)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fn, err
		}
		return fn, errors.New().Wrap(ErrStorageAccess, err)
	}

	fn.Type = device.FunctionType(ftype)
	if responseDelay.Valid {
		v := int(responseDelay.Int64)
		fn.ResponseDelay = &v
	}
	if deviance.Valid {
		v := deviance.Float64
		fn.Deviance = &v
	}
	if onlyDownward.Valid {
		v := onlyDownward.Int64 != 0
		fn.OnlyDownward = &v
	}
	if sampleWindow.Valid {
		v := int(sampleWindow.Int64)
		fn.SampleWindow = &v
	}

	return fn, nil
}

// marshalNullable returns nil for nil-ish values so the column stays NULL.
func marshalNullable(v any) (any, error) {
	switch t := v.(type) {
	case []device.CurvePoint:
		if len(t) == 0 {
			return nil, nil
		}
	case *device.TempSource:
		if t == nil {
			return nil, nil
		}
	}

	buf, err := json.Marshal(v)
	if err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}

	return string(buf), nil
}
