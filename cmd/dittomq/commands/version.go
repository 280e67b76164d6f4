package commands

import (
	"fmt"
	"runtime"

	"github.com/marmos91/dittomq/pkg/broker"
	"github.com/spf13/cobra"
)

var versionShort bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the dittomq release and wire protocol versions",
	Long: `Print the release of this binary together with the session protocol
versions it speaks. Clients announcing a version outside that range are
refused at CREATESESSION.`,
	Run: func(cmd *cobra.Command, args []string) {
		if versionShort {
			fmt.Println(Version)
			return
		}

		fmt.Printf("dittomq %s (%s, built %s)\n", Version, Commit, Date)
		fmt.Printf("  protocol   v%d (clients v%d..v%d)\n", broker.ServerVersion, broker.MinClientVersion, broker.ServerVersion)
		fmt.Printf("  toolchain  %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "Print the release only")
}
