package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// is reported through RestartRequired.
type ConfigDiff struct {
	TutorChanged    bool // persona, grade, voice, model, transcription, or timing changed
	TutorChanges    []string
	MeteringChanged bool
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists changed settings that only take effect on restart.
	RestartRequired []string
}

// Changed reports whether anything hot-reloadable changed.
func (d ConfigDiff) Changed() bool {
	return d.TutorChanged || d.MeteringChanged || d.LogLevelChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Tutor settings apply to the next session.
	ot, nt := old.Tutor, new.Tutor
	check := func(name string, changed bool) {
		if changed {
			d.TutorChanges = append(d.TutorChanges, name)
		}
	}
	check("instructions", ot.Instructions != nt.Instructions)
	check("grade", ot.Grade != nt.Grade)
	check("voice", ot.Voice != nt.Voice)
	check("model", old.Providers.S2S.Model != new.Providers.S2S.Model)
	check("input_transcription", ot.InputTranscription != nt.InputTranscription)
	check("output_transcription", ot.OutputTranscription != nt.OutputTranscription)
	check("frame_size", ot.FrameSize != nt.FrameSize)
	check("connect_timeout", ot.ConnectTimeout != nt.ConnectTimeout)
	check("quota_interval", ot.QuotaInterval != nt.QuotaInterval)
	d.TutorChanged = len(d.TutorChanges) > 0

	if old.Metering != new.Metering {
		d.MeteringChanged = true
	}

	// Settings bound at startup.
	restart := func(name string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, name)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	os2s, ns2s := old.Providers.S2S, new.Providers.S2S
	restart("providers.s2s", os2s.Name != ns2s.Name || os2s.APIKey != ns2s.APIKey || os2s.BaseURL != ns2s.BaseURL)
	restart("providers.s2s_fallback", !sameEndpoint(old.Providers.S2SFallback, new.Providers.S2SFallback))
	restart("providers.audio", old.Providers.Audio.Name != new.Providers.Audio.Name)
	restart("wallet.balance_etb", old.Wallet.Balance() != new.Wallet.Balance())

	return d
}
