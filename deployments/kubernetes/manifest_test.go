package kubernetes

import (
	"errors"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/real-rm/voicebox/internal/config"
	"github.com/real-rm/voicebox/internal/constants"
)

type manifest struct {
	Kind     string `yaml:"kind"`
	Metadata struct {
		Name string `yaml:"name"`
	} `yaml:"metadata"`
	Data       map[string]string `yaml:"data"`
	StringData map[string]string `yaml:"stringData"`
	Spec       struct {
		Template struct {
			Spec struct {
				TerminationGracePeriodSeconds int `yaml:"terminationGracePeriodSeconds"`
				Containers                    []struct {
					Args  []string `yaml:"args"`
					Ports []struct {
						Name          string `yaml:"name"`
						ContainerPort int    `yaml:"containerPort"`
					} `yaml:"ports"`
					EnvFrom []struct {
						ConfigMapRef *struct {
							Name string `yaml:"name"`
						} `yaml:"configMapRef"`
						SecretRef *struct {
							Name string `yaml:"name"`
						} `yaml:"secretRef"`
					} `yaml:"envFrom"`
					ReadinessProbe struct {
						HTTPGet struct {
							Path string `yaml:"path"`
						} `yaml:"httpGet"`
					} `yaml:"readinessProbe"`
				} `yaml:"containers"`
			} `yaml:"spec"`
		} `yaml:"template"`
	} `yaml:"spec"`
}

func readManifests(t *testing.T, path string) []manifest {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []manifest
	dec := yaml.NewDecoder(f)
	for {
		var m manifest
		err := dec.Decode(&m)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err, path)
		out = append(out, m)
	}
}

func findKind(t *testing.T, manifests []manifest, kind string) manifest {
	t.Helper()
	for _, m := range manifests {
		if m.Kind == kind {
			return m
		}
	}
	t.Fatalf("no %s manifest", kind)
	return manifest{}
}

// envNames collects the variable names from the config struct tags.
func envNames(typ reflect.Type, names map[string]bool) {
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if field.Type.Kind() == reflect.Struct {
			envNames(field.Type, names)
			continue
		}
		if tag := field.Tag.Get("env"); tag != "" {
			names[strings.Split(tag, ",")[0]] = true
		}
	}
}

func knownEnv() map[string]bool {
	names := map[string]bool{}
	envNames(reflect.TypeOf(config.Config{}), names)
	return names
}

func TestManifests_UseKnownVariables(t *testing.T) {
	known := knownEnv()
	secret := findKind(t, readManifests(t, "secret.yaml"), "Secret")
	configMap := findKind(t, readManifests(t, "configmap.yaml"), "ConfigMap")

	for key := range secret.StringData {
		assert.True(t, known[key], "secret key %s is not a config variable", key)
	}
	for key := range configMap.Data {
		assert.True(t, known[key], "configmap key %s is not a config variable", key)
		_, inSecret := secret.StringData[key]
		assert.False(t, inSecret, "%s is set in both the secret and the configmap", key)
	}
	assert.Contains(t, secret.StringData, "ANTHROPIC_API_KEY")
}

func TestManifests_SecretsStayOutOfConfigMap(t *testing.T) {
	configMap := findKind(t, readManifests(t, "configmap.yaml"), "ConfigMap")
	for key := range configMap.Data {
		assert.False(t, strings.HasSuffix(key, "_KEY") || strings.HasSuffix(key, "_SECRET"),
			"%s belongs in secret.yaml", key)
	}
}

func TestDeployment_MatchesConfig(t *testing.T) {
	manifests := readManifests(t, "deployment.yaml")
	deployment := findKind(t, manifests, "Deployment")
	configMap := findKind(t, readManifests(t, "configmap.yaml"), "ConfigMap")
	secret := findKind(t, readManifests(t, "secret.yaml"), "Secret")
	findKind(t, manifests, "Service")

	spec := deployment.Spec.Template.Spec
	require.Len(t, spec.Containers, 1)
	container := spec.Containers[0]

	assert.Equal(t, []string{"serve"}, container.Args)
	port, err := strconv.Atoi(configMap.Data["SERVER_PORT"])
	require.NoError(t, err)
	require.Len(t, container.Ports, 1)
	assert.Equal(t, port, container.Ports[0].ContainerPort)

	prefix := configMap.Data["PATH_PREFIX"]
	assert.Equal(t, prefix+"/health", container.ReadinessProbe.HTTPGet.Path)

	// The pod outlives the in-process shutdown deadline.
	assert.Greater(t, time.Duration(spec.TerminationGracePeriodSeconds)*time.Second, constants.ShutdownTimeout)

	var refs []string
	for _, from := range container.EnvFrom {
		if from.ConfigMapRef != nil {
			refs = append(refs, from.ConfigMapRef.Name)
		}
		if from.SecretRef != nil {
			refs = append(refs, from.SecretRef.Name)
		}
	}
	assert.ElementsMatch(t, []string{configMap.Metadata.Name, secret.Metadata.Name}, refs)
}

// The committed secret is a template; log what must be replaced before deploying.
func TestSecret_Placeholders(t *testing.T) {
	secret := findKind(t, readManifests(t, "secret.yaml"), "Secret")
	patterns := []string{"your-", "CHANGE-ME"}

	var found []string
	for key, value := range secret.StringData {
		for _, pattern := range patterns {
			if strings.Contains(value, pattern) {
				found = append(found, key)
				break
			}
		}
	}
	if len(found) > 0 {
		t.Logf("secret.yaml holds %d placeholder values: %v", len(found), found)
	}
	assert.Len(t, found, len(secret.StringData), "secret.yaml must not carry real credentials")
}
