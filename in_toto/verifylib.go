package in_toto

import (
	"fmt"
	"path"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-multierror"
)

var parameterNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// --- parameter substitution -------------------------------------------------

func substituteSlice(replacer *strings.Replacer, slice []string) []string {
	out := make([]string, len(slice))
	for i, item := range slice {
		out[i] = replacer.Replace(item)
	}
	return out
}

func substituteSliceOfSlices(replacer *strings.Replacer, slice [][]string) [][]string {
	out := make([][]string, len(slice))
	for i, item := range slice {
		out[i] = substituteSlice(replacer, item)
	}
	return out
}

/*
SubstituteParameters performs `{name}`-marker parameter substitution on a
Layout's ExpectedMaterials, ExpectedProducts, ExpectedCommand (steps) and Run
(inspections) fields, using the values in parameters. A name that appears in
the layout but is absent from parameters is left untouched; this function
only fails if a parameter key itself is malformed.
*/
func SubstituteParameters(layout Layout, parameters map[string]string) (Layout, error) {
	if len(parameters) == 0 {
		return layout, nil
	}

	pairs := make([]string, 0, len(parameters)*2)
	for name, value := range parameters {
		if !parameterNameRe.MatchString(name) {
			return layout, &ParameterError{Name: name}
		}
		pairs = append(pairs, "{"+name+"}", value)
	}
	replacer := strings.NewReplacer(pairs...)

	for i := range layout.Steps {
		layout.Steps[i].ExpectedMaterials = substituteSliceOfSlices(replacer, layout.Steps[i].ExpectedMaterials)
		layout.Steps[i].ExpectedProducts = substituteSliceOfSlices(replacer, layout.Steps[i].ExpectedProducts)
		layout.Steps[i].ExpectedCommand = substituteSlice(replacer, layout.Steps[i].ExpectedCommand)
	}
	for i := range layout.Inspect {
		layout.Inspect[i].ExpectedMaterials = substituteSliceOfSlices(replacer, layout.Inspect[i].ExpectedMaterials)
		layout.Inspect[i].ExpectedProducts = substituteSliceOfSlices(replacer, layout.Inspect[i].ExpectedProducts)
		layout.Inspect[i].Run = substituteSlice(replacer, layout.Inspect[i].Run)
	}
	return layout, nil
}

// --- layout signatures & expiration -----------------------------------------

// VerifyLayoutSignatures checks the layout's signature against every key in
// layoutKeys, failing if any key's signature is missing or invalid.
func VerifyLayoutSignatures(layoutEnv Metadata, layoutKeys map[string]Key) error {
	if len(layoutKeys) < 1 {
		return fmt.Errorf("layout verification requires at least one key")
	}
	for _, key := range layoutKeys {
		if err := layoutEnv.VerifySignature(key); err != nil {
			return err
		}
	}
	return nil
}

// VerifyLayoutExpiration returns a *LayoutExpiredError if layout.Expires is
// in the past.
func VerifyLayoutExpiration(layout Layout) error {
	expires, err := time.Parse(ISO8601DateSchema, layout.Expires)
	if err != nil {
		return &FormatError{Context: "layout.expires", Err: err}
	}
	if time.Until(expires) < 0 {
		return &LayoutExpiredError{Expires: layout.Expires}
	}
	return nil
}

// --- link loading & threshold verification ----------------------------------

/*
LoadLinksForLayout loads, for every step of layout, every link file matching
LinkGlobFormat under linkDir. Links that fail to parse are silently skipped
(they simply won't be available to satisfy the step's threshold). Returns a
map of step name to (signer keyid -> Metadata).
*/
func LoadLinksForLayout(layout Layout, linkDir string) (map[string]map[string]Metadata, error) {
	stepsMetadata := make(map[string]map[string]Metadata)

	for _, step := range layout.Steps {
		linksPerStep := make(map[string]Metadata)

		linkFiles, err := filepath.Glob(filepath.Join(linkDir, fmt.Sprintf(LinkGlobFormat, step.Name)))
		if err != nil {
			return nil, err
		}

		for _, linkPath := range linkFiles {
			linkEnv, err := LoadMetadata(linkPath)
			if err != nil {
				continue
			}
			shortKeyID := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(linkPath), step.Name+"."), ".link")
			for _, sig := range linkEnv.Sigs() {
				if strings.HasPrefix(sig.KeyID, shortKeyID) {
					linksPerStep[sig.KeyID] = linkEnv
					break
				}
			}
		}

		if len(linksPerStep) < step.Threshold {
			return nil, &LinkNotFoundError{StepName: step.Name, Threshold: step.Threshold, Found: len(linksPerStep)}
		}
		stepsMetadata[step.Name] = linksPerStep
	}
	return stepsMetadata, nil
}

/*
VerifyLinkSignatureThresholds verifies, for every step of layout, that at
least Threshold links carry a valid signature from a functionary the step
authorizes (directly via step.PubKeys, or via a signing-capable subkey of an
authorized master key). A master key and any of its own subkeys signing the
same step count as a single contribution toward the threshold, since they
represent one functionary identity. Links that fail this check are dropped;
only validly-signed, authorized links are returned.
*/
func VerifyLinkSignatureThresholds(layout Layout, stepsMetadata map[string]map[string]Metadata) (map[string]map[string]Metadata, error) {
	stepsMetadataVerified := make(map[string]map[string]Metadata)
	reverseSubkeys := ReverseSubkeyMap(layout.Keys)

	for _, step := range layout.Steps {
		linksPerStepVerified := make(map[string]Metadata)
		countedIdentities := NewSet()
		var collectedErrs *multierror.Error

		for signerKeyID, linkEnv := range stepsMetadata[step.Name] {
			authorizingID, authorized := authorizingIdentity(signerKeyID, step.PubKeys, reverseSubkeys)
			if !authorized {
				collectedErrs = multierror.Append(collectedErrs,
					fmt.Errorf("keyid '%s' is not authorized for step '%s'", signerKeyID, step.Name))
				continue
			}

			verifierKey, _, ok := ResolveKey(signerKeyID, layout.Keys)
			if !ok {
				collectedErrs = multierror.Append(collectedErrs,
					fmt.Errorf("no key material found for keyid '%s'", signerKeyID))
				continue
			}

			if err := linkEnv.VerifySignature(verifierKey); err != nil {
				collectedErrs = multierror.Append(collectedErrs, err)
				continue
			}

			linksPerStepVerified[signerKeyID] = linkEnv
			countedIdentities.Add(authorizingID)
		}

		stepsMetadataVerified[step.Name] = linksPerStepVerified

		if len(countedIdentities) < step.Threshold {
			err := &ThresholdVerificationError{StepName: step.Name, Threshold: step.Threshold, Found: len(countedIdentities)}
			if collectedErrs != nil {
				return nil, fmt.Errorf("%w (%s)", err, collectedErrs)
			}
			return nil, err
		}
	}
	return stepsMetadataVerified, nil
}

// authorizingIdentity reports whether signerKeyID is authorized by a step's
// pubkeys list, either directly or as a subkey of an authorized master, and
// returns the identity (master keyid) that authorization should be counted
// against.
func authorizingIdentity(signerKeyID string, pubKeys []string, reverseSubkeys map[string]string) (string, bool) {
	for _, authorized := range pubKeys {
		if signerKeyID == authorized {
			return signerKeyID, true
		}
	}
	if masterID, isSubkey := reverseSubkeys[signerKeyID]; isSubkey {
		for _, authorized := range pubKeys {
			if masterID == authorized {
				return masterID, true
			}
		}
	}
	return "", false
}

/*
ReduceStepsMetadata collapses, for each step, the set of validly-signed
links down to a single representative link, after asserting that every link
for that step reports identical Materials and Products. Divergence is
reported via go-cmp, which both drives the equality check and produces the
ThresholdVerificationError's human-readable Diff.
*/
func ReduceStepsMetadata(layout Layout, stepsMetadata map[string]map[string]Metadata) (map[string]Metadata, error) {
	reduced := make(map[string]Metadata)

	for _, step := range layout.Steps {
		linksPerStep := stepsMetadata[step.Name]
		if len(linksPerStep) < 1 {
			return nil, fmt.Errorf("cannot reduce metadata for step '%s': no link metadata found", step.Name)
		}

		var referenceID string
		var referenceLink Metadata
		for keyID, linkEnv := range linksPerStep {
			referenceID = keyID
			referenceLink = linkEnv
			break
		}

		referencePayload := referenceLink.GetPayload().(Link)
		for keyID, linkEnv := range linksPerStep {
			if keyID == referenceID {
				continue
			}
			payload := linkEnv.GetPayload().(Link)
			materialsDiff := cmp.Diff(referencePayload.Materials, payload.Materials)
			productsDiff := cmp.Diff(referencePayload.Products, payload.Products)
			if materialsDiff != "" || productsDiff != "" {
				return nil, &ThresholdVerificationError{
					StepName:  step.Name,
					Threshold: step.Threshold,
					Found:     len(linksPerStep),
					Diverging: []string{referenceID, keyID},
					Diff:      "materials:\n" + materialsDiff + "\nproducts:\n" + productsDiff,
				}
			}
		}
		reduced[step.Name] = referenceLink
	}
	return reduced, nil
}

/*
VerifyStepCommandAlignment soft-verifies, for each step, that the command
the authorized link(s) report matches the step's ExpectedCommand, logging a
warning (never failing verification) on mismatch.
*/
func VerifyStepCommandAlignment(layout Layout, stepsMetadata map[string]map[string]Metadata, logger Logger) {
	if logger == nil {
		logger = NopLogger{}
	}
	for _, step := range layout.Steps {
		expected := strings.Join(step.ExpectedCommand, " ")
		for signerKeyID, linkEnv := range stepsMetadata[step.Name] {
			executed := strings.Join(linkEnv.GetPayload().(Link).Command, " ")
			if expected != executed {
				linkName := fmt.Sprintf(LinkNameFormat, step.Name, signerKeyID)
				logger.Warnf("expected command for step '%s' (%s) and command reported by '%s' (%s) differ",
					step.Name, expected, linkName, executed)
			}
		}
	}
}

// --- artifact rule engine ----------------------------------------------------

/*
verifyMatchRule processes a MATCH rule: every artifact in srcArtifactQueue
whose (optionally src-prefix-stripped) path matches the rule's pattern is
consumed if, after applying the destination prefix, it has an identical
counterpart in the named destination link's materials or products.
*/
func verifyMatchRule(ruleData map[string]string, srcArtifacts map[string]interface{}, srcArtifactQueue Set, itemsMetadata map[string]Metadata) Set {
	consumed := NewSet()

	dstLinkEnv, exists := itemsMetadata[ruleData["dstName"]]
	if !exists {
		return consumed
	}

	var dstArtifacts map[string]interface{}
	switch ruleData["dstType"] {
	case "materials":
		dstArtifacts = dstLinkEnv.GetPayload().(Link).Materials
	case "products":
		dstArtifacts = dstLinkEnv.GetPayload().(Link).Products
	}

	pattern := ruleData["pattern"]
	if pattern != "" {
		pattern = path.Clean(pattern)
	}

	srcPrefix := ruleData["srcPrefix"]
	if srcPrefix != "" {
		srcPrefix = path.Clean(srcPrefix)
		if !strings.HasSuffix(srcPrefix, "/") {
			srcPrefix += "/"
		}
	}
	dstPrefix := ruleData["dstPrefix"]
	if dstPrefix != "" {
		dstPrefix = path.Clean(dstPrefix)
		if !strings.HasSuffix(dstPrefix, "/") {
			dstPrefix += "/"
		}
	}

	for srcPath := range srcArtifactQueue {
		srcBasePath := strings.TrimPrefix(srcPath, srcPrefix)

		ok, err := match(pattern, srcBasePath)
		if err != nil || !ok {
			continue
		}

		dstPath := path.Clean(path.Join(dstPrefix, srcBasePath))
		dstArtifact, exists := dstArtifacts[dstPath]
		if !exists {
			continue
		}
		if !reflect.DeepEqual(srcArtifacts[srcPath], dstArtifact) {
			continue
		}
		consumed.Add(srcPath)
	}
	return consumed
}

/*
VerifyArtifacts applies, for every Step or Inspection in items, the artifact
rules in ExpectedMaterials against the corresponding link's materials and
ExpectedProducts against its products. Artifacts start queued; a rule
consumes the queued artifacts it applies to (CREATE/DELETE/MODIFY/ALLOW
consume on success; MATCH consumes matched-and-equal pairs; REQUIRE and
DISALLOW never consume). A terminal DISALLOW rule fails verification if
artifacts matching its pattern remain queued; a REQUIRE rule fails if its
named file isn't in the queue. A RuleTrace is accumulated throughout and
attached to any returned RuleVerificationError.
*/
func VerifyArtifacts(items []interface{}, itemsMetadata map[string]Metadata) error {
	for _, itemI := range items {
		var itemName string
		var expectedMaterials, expectedProducts [][]string

		switch item := itemI.(type) {
		case Step:
			itemName = item.Name
			expectedMaterials = item.ExpectedMaterials
			expectedProducts = item.ExpectedProducts
		case Inspection:
			itemName = item.Name
			expectedMaterials = item.ExpectedMaterials
			expectedProducts = item.ExpectedProducts
		default:
			return fmt.Errorf("VerifyArtifacts received an item of invalid type %s", reflect.TypeOf(itemI))
		}

		linkEnv, exists := itemsMetadata[itemName]
		if !exists {
			return fmt.Errorf("VerifyArtifacts could not find metadata for item '%s'", itemName)
		}
		link := linkEnv.GetPayload().(Link)

		materialPaths := NewSet()
		for _, p := range InterfaceKeyStrings(link.Materials) {
			materialPaths.Add(path.Clean(p))
		}
		productPaths := NewSet()
		for _, p := range InterfaceKeyStrings(link.Products) {
			productPaths.Add(path.Clean(p))
		}

		created := productPaths.Difference(materialPaths)
		deleted := materialPaths.Difference(productPaths)
		modified := NewSet()
		for name := range materialPaths.Intersection(productPaths) {
			if !reflect.DeepEqual(link.Materials[name], link.Products[name]) {
				modified.Add(name)
			}
		}

		rounds := []struct {
			srcType   string
			rules     [][]string
			artifacts map[string]interface{}
			queue     Set
		}{
			{"materials", expectedMaterials, link.Materials, materialPaths},
			{"products", expectedProducts, link.Products, productPaths},
		}

		for _, round := range rounds {
			queue := round.queue
			var trace []RuleTraceEntry

			for _, rule := range round.rules {
				ruleData, err := UnpackRule(rule)
				if err != nil {
					return err
				}

				filtered := filterSet(queue, path.Clean(ruleData["pattern"]))

				var consumed Set
				switch ruleData["type"] {
				case ruleMatch:
					consumed = verifyMatchRule(ruleData, round.artifacts, queue, itemsMetadata)
				case ruleAllow:
					consumed = filtered
				case ruleCreate:
					consumed = filtered.Intersection(created)
				case ruleDelete:
					consumed = filtered.Intersection(deleted)
				case ruleModify:
					consumed = filtered.Intersection(modified)
				case ruleDisallow:
					consumed = NewSet()
					if len(filtered) > 0 {
						return &RuleVerificationError{
							ItemName: itemName,
							SrcType:  round.srcType,
							Rule:     rule,
							Reason:   fmt.Sprintf("artifacts %v are disallowed", filtered.SortedSlice()),
							Trace:    trace,
						}
					}
				case ruleRequire:
					consumed = NewSet()
					if !queue.Has(ruleData["pattern"]) {
						return &RuleVerificationError{
							ItemName: itemName,
							SrcType:  round.srcType,
							Rule:     rule,
							Reason:   fmt.Sprintf("required artifact '%s' is not in the queue %v", ruleData["pattern"], queue.SortedSlice()),
							Trace:    trace,
						}
					}
				}

				queue = queue.Difference(consumed)
				trace = append(trace, RuleTraceEntry{
					Rule:       rule,
					QueueAfter: queue.SortedSlice(),
					Materials:  materialPaths.SortedSlice(),
					Products:   productPaths.SortedSlice(),
				})
			}
		}
	}
	return nil
}

// --- sublayout recursion -----------------------------------------------------

/*
verifyJob is one node of the explicit work stack InTotoVerify drives instead
of recursing natively: a layout (root or nested sublayout) awaiting
verification, plus a resultSink closure that patches its eventual summary
link back into the parent's step metadata once computed.
*/
type verifyJob struct {
	layoutEnv  Metadata
	keys       map[string]Key
	linkDir    string
	stepName   string
	params     map[string]string
	depth      int
	resultSink func(Metadata)

	// populated once this job's own (non-recursive) verification stage runs
	started               bool
	layout                Layout
	stepsMetadataVerified map[string]map[string]Metadata
}

func beginLayoutVerification(job *verifyJob) error {
	if err := VerifyLayoutSignatures(job.layoutEnv, job.keys); err != nil {
		return err
	}

	layout, ok := job.layoutEnv.GetPayload().(Layout)
	if !ok {
		return fmt.Errorf("verification workflow passed a non-layout")
	}
	if err := VerifyLayoutExpiration(layout); err != nil {
		return err
	}

	layout, err := SubstituteParameters(layout, job.params)
	if err != nil {
		return err
	}

	stepsMetadata, err := LoadLinksForLayout(layout, job.linkDir)
	if err != nil {
		return err
	}
	stepsMetadataVerified, err := VerifyLinkSignatureThresholds(layout, stepsMetadata)
	if err != nil {
		return err
	}

	job.layout = layout
	job.stepsMetadataVerified = stepsMetadataVerified
	return nil
}

func finishLayoutVerification(job *verifyJob, cfg *Config, logger Logger) (Metadata, error) {
	VerifyStepCommandAlignment(job.layout, job.stepsMetadataVerified, logger)

	stepsMetadataReduced, err := ReduceStepsMetadata(job.layout, job.stepsMetadataVerified)
	if err != nil {
		return nil, err
	}

	if err := VerifyArtifacts(job.layout.StepsAsInterfaceSlice(), stepsMetadataReduced); err != nil {
		return nil, err
	}

	useDSSE := false
	if _, ok := job.layoutEnv.(*Envelope); ok {
		useDSSE = true
	}

	inspectionMetadata, err := RunInspections(job.layout, cfg, logger, useDSSE)
	if err != nil {
		return nil, err
	}
	for k, v := range stepsMetadataReduced {
		inspectionMetadata[k] = v
	}

	if err := VerifyArtifacts(job.layout.InspectAsInterfaceSlice(), inspectionMetadata); err != nil {
		return nil, err
	}

	return GetSummaryLink(job.layout, stepsMetadataReduced, job.stepName, useDSSE)
}

// GetSummaryLink merges the first step's materials with the last step's
// products (and byproducts/command) into a single link summarizing the
// whole chain (or sublayout), assuming steps execute sequentially in
// declaration order.
func GetSummaryLink(layout Layout, stepsMetadataReduced map[string]Metadata, stepName string, useDSSE bool) (Metadata, error) {
	var summary Link
	if len(layout.Steps) > 0 {
		first := stepsMetadataReduced[layout.Steps[0].Name].GetPayload().(Link)
		last := stepsMetadataReduced[layout.Steps[len(layout.Steps)-1].Name].GetPayload().(Link)

		summary.Type = first.Type
		summary.Name = stepName
		summary.Materials = first.Materials
		summary.Products = last.Products
		summary.ByProducts = last.ByProducts
		summary.Command = last.Command
	}

	if useDSSE {
		env := &Envelope{}
		if err := env.SetPayload(summary); err != nil {
			return nil, err
		}
		return env, nil
	}
	return &Metablock{Signed: summary}, nil
}

/*
InTotoVerify verifies an entire software supply chain: the root layout
(signed by layoutKeys), its steps' link metadata found under linkDir, and
any nested sublayouts. Sublayouts are resolved iteratively via an explicit
work stack (never by native Go recursion), bounded by
cfg.MaxSublayoutDepth, per the driver's step 6. Returns a summary link
(Metablock or Envelope, matching the root layout's own container) on
success.
*/
func InTotoVerify(layoutEnv Metadata, layoutKeys map[string]Key, linkDir, stepName string, params map[string]string, cfg *Config, logger Logger) (Metadata, error) {
	resolved := cfg.effective()
	cfg = &resolved

	var finalResult Metadata
	rootJob := &verifyJob{
		layoutEnv: layoutEnv,
		keys:      layoutKeys,
		linkDir:   linkDir,
		stepName:  stepName,
		params:    params,
		depth:     0,
		resultSink: func(m Metadata) {
			finalResult = m
		},
	}

	stack := []*verifyJob{rootJob}
	for len(stack) > 0 {
		job := stack[len(stack)-1]

		if job.started {
			stack = stack[:len(stack)-1]
			summary, err := finishLayoutVerification(job, cfg, logger)
			if err != nil {
				return nil, err
			}
			job.resultSink(summary)
			continue
		}

		if err := beginLayoutVerification(job); err != nil {
			return nil, err
		}
		job.started = true

		for sName, linkData := range job.stepsMetadataVerified {
			for keyID, metadata := range linkData {
				if _, ok := metadata.GetPayload().(Layout); !ok {
					continue
				}
				if job.depth+1 > cfg.MaxSublayoutDepth {
					return nil, fmt.Errorf("sublayout nesting under step '%s' exceeds MaxSublayoutDepth (%d)",
						sName, cfg.MaxSublayoutDepth)
				}

				subKey, _, ok := ResolveKey(keyID, job.layout.Keys)
				if !ok {
					return nil, fmt.Errorf("could not resolve sublayout key '%s' for step '%s'", keyID, sName)
				}

				childLinkData := linkData
				childKeyID := keyID
				sublayoutLinkDir := filepath.Join(job.linkDir, fmt.Sprintf(SublayoutLinkDirFormat, sName, keyID))

				stack = append(stack, &verifyJob{
					layoutEnv: metadata,
					keys:      map[string]Key{keyID: subKey},
					linkDir:   sublayoutLinkDir,
					stepName:  sName,
					params:    map[string]string{},
					depth:     job.depth + 1,
					resultSink: func(m Metadata) {
						childLinkData[childKeyID] = m
					},
				})
			}
		}
	}

	return finalResult, nil
}
