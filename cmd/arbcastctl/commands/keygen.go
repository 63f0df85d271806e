package commands

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dantte-lp/arbcast/internal/identity"
)

func keygenCmd() *cobra.Command {
	var (
		count  int
		asYAML bool
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate Ed25519 signing seeds for a deployment",
		Long:  "Generates fresh 32-byte Ed25519 seeds and prints them with their public keys. With --yaml the output is a node list skeleton for the configuration file.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			out, err := generateKeys(count, asYAML)
			if err != nil {
				return err
			}

			fmt.Print(out)

			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of seeds to generate")
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "emit a config-file node list skeleton")

	return cmd
}

// keygenNode mirrors one config-file participant entry.
type keygenNode struct {
	ID      int    `yaml:"id"`
	Address string `yaml:"address"`
	Privkey string `yaml:"privkey"`
}

// generateKeys produces count fresh seeds in the requested rendering.
func generateKeys(count int, asYAML bool) (string, error) {
	if count < 1 {
		count = 1
	}

	type keypair struct {
		seed string
		pub  string
	}

	pairs := make([]keypair, 0, count)
	for range count {
		seed := make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return "", fmt.Errorf("generate seed: %w", err)
		}

		pub, err := identity.PublicFromSeed(seed)
		if err != nil {
			return "", fmt.Errorf("derive public key: %w", err)
		}

		pairs = append(pairs, keypair{
			seed: hex.EncodeToString(seed),
			pub:  hex.EncodeToString(pub),
		})
	}

	if asYAML {
		skeleton := struct {
			Nodes []keygenNode `yaml:"nodes"`
		}{}
		for i, p := range pairs {
			skeleton.Nodes = append(skeleton.Nodes, keygenNode{
				ID:      i,
				Address: "CHANGE-ME:4180",
				Privkey: p.seed,
			})
		}

		data, err := yaml.Marshal(skeleton)
		if err != nil {
			return "", fmt.Errorf("marshal node list: %w", err)
		}
		return string(data), nil
	}

	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PRIVKEY (seed)\tPUBKEY")
	for _, p := range pairs {
		fmt.Fprintf(w, "%s\t%s\n", p.seed, p.pub)
	}
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}
