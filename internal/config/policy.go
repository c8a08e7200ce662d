package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Policy carries the tunable tenancy defaults. It is hot-reloaded from tenancy.yml.
type Policy struct {
	SessionTimeoutMinutes int           `mapstructure:"sessionTimeoutMinutes"`
	Timezone              string        `mapstructure:"timezone"`
	InvitationTTL         time.Duration `mapstructure:"invitationTTL"`
	SimilarityThreshold   float64       `mapstructure:"similarityThreshold"`
	MaxSimilarCandidates  int           `mapstructure:"maxSimilarCandidates"`
	PermissionCacheTTL    time.Duration `mapstructure:"permissionCacheTTL"`
	SweepInterval         time.Duration `mapstructure:"sweepInterval"`
	SweepBatchSize        int           `mapstructure:"sweepBatchSize"`
}

func DefaultPolicy() Policy {
	return Policy{
		SessionTimeoutMinutes: 30,
		Timezone:              "UTC",
		InvitationTTL:         72 * time.Hour,
		SimilarityThreshold:   0.6,
		MaxSimilarCandidates:  5,
		PermissionCacheTTL:    30 * time.Second,
		SweepInterval:         10 * time.Minute,
		SweepBatchSize:        500,
	}
}

// PolicySource is implemented by anything that can hand out the current policy.
type PolicySource interface {
	Get() Policy
}

type PolicyHolder struct {
	current atomic.Value // holds Policy
}

// StaticPolicy returns a holder that never reloads.
func StaticPolicy(p Policy) *PolicyHolder {
	holder := &PolicyHolder{}
	holder.current.Store(p)
	return holder
}

func NewPolicyHolder(cfg Config, log *zap.Logger) (*PolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("tenancy")
	v.SetConfigType("yml")
	for _, path := range cfg.PolicyPaths {
		v.AddConfigPath(path)
	}

	v.SetEnvPrefix("TENANCY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPolicy()
	v.SetDefault("policy.sessionTimeoutMinutes", defaults.SessionTimeoutMinutes)
	v.SetDefault("policy.timezone", defaults.Timezone)
	v.SetDefault("policy.invitationTTL", defaults.InvitationTTL)
	v.SetDefault("policy.similarityThreshold", defaults.SimilarityThreshold)
	v.SetDefault("policy.maxSimilarCandidates", defaults.MaxSimilarCandidates)
	v.SetDefault("policy.permissionCacheTTL", defaults.PermissionCacheTTL)
	v.SetDefault("policy.sweepInterval", defaults.SweepInterval)
	v.SetDefault("policy.sweepBatchSize", defaults.SweepBatchSize)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	var policy Policy
	if err := v.UnmarshalKey("policy", &policy); err != nil {
		return nil, err
	}
	if err := ValidatePolicy(policy); err != nil {
		return nil, err
	}

	holder := StaticPolicy(policy)
	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated Policy
		if err := v.UnmarshalKey("policy", &updated); err != nil {
			log.Warn("tenancy policy reload failed", zap.Error(err))
			return
		}
		if err := ValidatePolicy(updated); err != nil {
			log.Warn("invalid tenancy policy ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("tenancy policy reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *PolicyHolder) Get() Policy {
	return h.current.Load().(Policy)
}

func ValidatePolicy(p Policy) error {
	if p.SessionTimeoutMinutes <= 0 {
		return errors.New("policy.sessionTimeoutMinutes must be positive")
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return errors.New("policy.timezone must be an IANA zone")
	}
	if p.InvitationTTL <= 0 {
		return errors.New("policy.invitationTTL must be positive")
	}
	if p.SimilarityThreshold < 0 || p.SimilarityThreshold > 1 {
		return errors.New("policy.similarityThreshold must be within [0,1]")
	}
	if p.MaxSimilarCandidates <= 0 {
		return errors.New("policy.maxSimilarCandidates must be positive")
	}
	if p.PermissionCacheTTL < 0 {
		return errors.New("policy.permissionCacheTTL cannot be negative")
	}
	return nil
}
