package utils

import (
	"fmt"
	"strings"

	"codesync/config"
)

// ResolveImage
//
//	Rewrites a container image reference to pull through a configured
//	registry mirror. Images without a registry host are assumed to come
//	from docker.io and use its mirror when one is configured.
func ResolveImage(image string, mirrors []config.RegistryMirror) string {
	// create a variable to hold the docker.io mirror if it exists
	var dockerMirror config.RegistryMirror

	for _, mirror := range mirrors {
		// replace the registry host with the mirror host
		if strings.HasPrefix(image, mirror.Source+"/") {
			return mirror.Mirror + strings.TrimPrefix(image, mirror.Source)
		}

		// remember the docker.io mirror for images with no host prefix
		if mirror.Source == "docker.io" {
			dockerMirror = mirror
		}
	}

	// a host is present when the first path segment looks like a domain
	first, _, found := strings.Cut(image, "/")
	hasHost := found && (strings.ContainsAny(first, ".:") || first == "localhost")

	if dockerMirror.Source == "docker.io" && !hasHost {
		// official images live under library/
		if !found {
			image = "library/" + image
		}
		return fmt.Sprintf("%s/%s", dockerMirror.Mirror, image)
	}

	return image
}
