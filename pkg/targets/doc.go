/*
Package targets parses the URLs handed to the accessibility analyzer.

A target is valid when it is an absolute http or https URL with a host. Anything else is
reported as an *InvalidURLError, which the analyzer treats as a per-item failure rather than
aborting a bulk run.

Target files list one URL per line:

	# mirrors
	https://mirror-one.example
	https://mirror-two.example/register?ref=ABC
*/
package targets
