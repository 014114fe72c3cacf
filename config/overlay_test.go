package config_test

import (
	"errors"
	"os"
	"testing"

	"github.com/matryer/is"
	"github.com/spf13/viper"

	"github.com/tkit-go/composeenv/config"
)

func TestOverlaySetUnset(t *testing.T) {
	is := is.New(t)

	o := config.NewOverlay()
	o.Set("kafka.bootstrap.servers", "localhost:9093")
	o.Set("other", "x")

	v, ok := o.Get("kafka.bootstrap.servers")
	is.True(ok)
	is.Equal(v, "localhost:9093")
	is.Equal(o.Keys(), []string{"kafka.bootstrap.servers", "other"})

	snapshot := o.Values()
	o.Unset("kafka.bootstrap.servers")
	_, ok = o.Get("kafka.bootstrap.servers")
	is.True(!ok)
	is.Equal(snapshot["kafka.bootstrap.servers"], "localhost:9093") // snapshot unaffected
	is.Equal(o.Values(), map[string]string{"other": "x"})
}

func TestOverlayApplyTo(t *testing.T) {
	is := is.New(t)

	o := config.NewOverlay()
	o.Set("db.url", "http://localhost:5432")

	v := viper.New()
	o.ApplyTo(v)
	is.Equal(v.GetString("db.url"), "http://localhost:5432")
}

func TestEnvName(t *testing.T) {
	is := is.New(t)
	is.Equal(config.EnvName("kafka.bootstrap-servers"), "KAFKA_BOOTSTRAP_SERVERS")
}

func TestOverlayAcquire(t *testing.T) {
	is := is.New(t)

	first := config.NewOverlay()
	first.Set("composeenv.test.before", "1")
	is.NoErr(first.Acquire())
	defer first.Release()
	is.Equal(os.Getenv("COMPOSEENV_TEST_BEFORE"), "1")

	first.Set("composeenv.test.during", "2")
	is.Equal(os.Getenv("COMPOSEENV_TEST_DURING"), "2")

	second := config.NewOverlay()
	err := second.Acquire()
	is.True(errors.Is(err, config.ErrOverlayInUse))
	second.Release() // not the owner: no-op

	first.Unset("composeenv.test.during")
	_, set := os.LookupEnv("COMPOSEENV_TEST_DURING")
	is.True(!set)

	first.Release()
	_, set = os.LookupEnv("COMPOSEENV_TEST_BEFORE")
	is.True(!set)

	is.NoErr(second.Acquire())
	second.Release()
}
