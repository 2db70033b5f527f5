package config

const (
	defaultOutputDir                 = "~/Documents/marcut"
	defaultLogDir                    = "~/.local/share/marcut/logs"
	defaultDataDir                   = "~/.local/share/marcut"
	defaultLeaseDir                  = "~/.local/share/marcut/leases"
	defaultEngineBinary              = "marcut-pipeline"
	defaultEngineModel               = "llama3.2:3b"
	defaultEngineProcessingTimeout   = 1800
	defaultEngineReadyTimeout        = 60
	defaultValidatorIntegrityTimeout = 30
	defaultWorkflowHeartbeatInterval = 15
	defaultWorkflowHeartbeatTimeout  = 0
	defaultWorkflowErrorRetry        = 5
	defaultLogFormat                 = "console"
	defaultLogLevel                  = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			OutputDir: defaultOutputDir,
			LogDir:    defaultLogDir,
			DataDir:   defaultDataDir,
			LeaseDir:  defaultLeaseDir,
		},
		Engine: Engine{
			Binary:            defaultEngineBinary,
			Model:             defaultEngineModel,
			ProcessingTimeout: defaultEngineProcessingTimeout,
			ReadyTimeout:      defaultEngineReadyTimeout,
		},
		Validator: Validator{
			IntegrityTimeout: defaultValidatorIntegrityTimeout,
		},
		Workflow: Workflow{
			HeartbeatInterval: defaultWorkflowHeartbeatInterval,
			// Stall detection is deliberately disabled; the slot stays so it
			// can be reinstated without a schema change.
			HeartbeatTimeout:   defaultWorkflowHeartbeatTimeout,
			ErrorRetryInterval: defaultWorkflowErrorRetry,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
