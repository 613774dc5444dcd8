package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"jobagent/internal/backoff"

	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const podPollInterval = 500 * time.Millisecond

var errJobGone = errors.New("job deleted before its pod was created")

// KubernetesConfig holds configuration for the Kubernetes runtime.
type KubernetesConfig struct {
	// Namespace where agent jobs will be created
	Namespace string
	// ServiceAccount for agent pods (optional)
	ServiceAccount string
	// Default resource limits for agents
	DefaultCPULimit    string
	DefaultMemoryLimit string
	// GracePeriod is the pod termination grace period used by Stop.
	GracePeriod time.Duration
}

// KubernetesRuntime implements the Runtime interface using Kubernetes Jobs.
// Each agent runs as a single-pod Job that Kubernetes never retries; restarts
// are the supervisor's decision.
type KubernetesRuntime struct {
	clientset kubernetes.Interface
	config    KubernetesConfig
	logger    *slog.Logger
}

// KubernetesHandle represents a running Kubernetes Job.
type KubernetesHandle struct {
	clientset   kubernetes.Interface
	namespace   string
	jobName     string
	gracePeriod time.Duration
	logger      *slog.Logger
}

// homeDir returns the user's home directory.
func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return os.Getenv("USERPROFILE") // Windows
}

// NewKubernetesRuntime creates a new Kubernetes-based runtime.
// Tries in-cluster configuration first, falls back to kubeconfig for local development.
func NewKubernetesRuntime(cfg KubernetesConfig, logger *slog.Logger) (*KubernetesRuntime, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		logger.Info("in-cluster config not available, trying kubeconfig", "error", err)
		kubeconfig := filepath.Join(homeDir(), ".kube", "config")
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
		}
		logger.Info("using kubeconfig", "path", kubeconfig)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}
	return NewKubernetesRuntimeWithClient(clientset, cfg, logger), nil
}

// NewKubernetesRuntimeWithClient wraps an existing clientset and fills config defaults.
func NewKubernetesRuntimeWithClient(clientset kubernetes.Interface, cfg KubernetesConfig, logger *slog.Logger) *KubernetesRuntime {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.DefaultCPULimit == "" {
		cfg.DefaultCPULimit = "500m"
	}
	if cfg.DefaultMemoryLimit == "" {
		cfg.DefaultMemoryLimit = "256Mi"
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	return &KubernetesRuntime{clientset: clientset, config: cfg, logger: logger}
}

// Start implements Runtime.Start by creating a Kubernetes Job.
func (k *KubernetesRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if opts.Image == "" {
		return nil, fmt.Errorf("kubernetes runtime: image is required")
	}
	if len(opts.Command) == 0 {
		return nil, ErrCommandRequired
	}

	jobName := jobNameFor(opts.Name)

	var envVars []corev1.EnvVar
	for _, kv := range envList(opts.Env) {
		name, value, _ := strings.Cut(kv, "=")
		envVars = append(envVars, corev1.EnvVar{Name: name, Value: value})
	}

	cpu, err := resource.ParseQuantity(k.config.DefaultCPULimit)
	if err != nil {
		return nil, fmt.Errorf("invalid cpu limit %q: %w", k.config.DefaultCPULimit, err)
	}
	mem, err := resource.ParseQuantity(k.config.DefaultMemoryLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid memory limit %q: %w", k.config.DefaultMemoryLimit, err)
	}

	labels := map[string]string{
		labelManagedBy: managedBy,
		labelAgent:     labelValue(opts.Name),
	}
	podLabels := map[string]string{"job-name": jobName}
	for key, v := range labels {
		podLabels[key] = v
	}

	backoffLimit := int32(0)
	grace := int64(k.config.GracePeriod / time.Second)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: k.config.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: podLabels},
				Spec: corev1.PodSpec{
					RestartPolicy:                 corev1.RestartPolicyNever,
					TerminationGracePeriodSeconds: &grace,
					Containers: []corev1.Container{
						{
							Name:    "agent",
							Image:   opts.Image,
							Command: opts.Command,
							Env:     envVars,
							Resources: corev1.ResourceRequirements{
								Limits: corev1.ResourceList{
									corev1.ResourceCPU:    cpu,
									corev1.ResourceMemory: mem,
								},
							},
						},
					},
				},
			},
		},
	}

	if k.config.ServiceAccount != "" {
		job.Spec.Template.Spec.ServiceAccountName = k.config.ServiceAccount
	}

	created, err := k.clientset.BatchV1().Jobs(k.config.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes job: %w", err)
	}

	k.logger.Info("created kubernetes job", "job", created.Name, "namespace", k.config.Namespace, "agent", opts.Name)

	return &KubernetesHandle{
		clientset:   k.clientset,
		namespace:   k.config.Namespace,
		jobName:     created.Name,
		gracePeriod: k.config.GracePeriod,
		logger:      k.logger,
	}, nil
}

// jobNameFor builds a DNS-1123 compliant, unique job name for an agent.
func jobNameFor(agent string) string {
	suffix := uuid.NewString()[:8]
	name := labelValue(agent)
	if name == "" {
		return managedBy + "-" + suffix
	}
	// Job names leave room for the pod suffix Kubernetes appends.
	const maxAgentLen = 63 - len(managedBy) - 2 - 8 - 6
	if len(name) > maxAgentLen {
		name = strings.Trim(name[:maxAgentLen], "-")
	}
	return managedBy + "-" + name + "-" + suffix
}

// labelValue lowercases s and replaces anything outside [a-z0-9-].
func labelValue(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, s)
	if len(s) > 63 {
		s = s[:63]
	}
	return strings.Trim(s, "-")
}

// ID returns the Kubernetes Job name.
func (h *KubernetesHandle) ID() string {
	return h.jobName
}

// Wait blocks until the job's pod terminates and returns the result.
// A pod deleted before reaching a terminal phase counts as an exit. Closed
// or failed watches are re-established after a resync, so only ctx ends
// Wait with an error.
func (h *KubernetesHandle) Wait(ctx context.Context) (ExitResult, error) {
	pod, err := h.waitForPod(ctx)
	if errors.Is(err, errJobGone) {
		return ExitResult{ExitCode: -1, Error: err}, nil
	}
	if err != nil {
		return ExitResult{ExitCode: -1, Error: err}, err
	}

	for {
		if podDone(pod) {
			return podExit(pod), nil
		}
		if result, done := h.watchPod(ctx, pod); done {
			return result, nil
		}
		if !backoff.Sleep(ctx, podPollInterval, nil) {
			return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
		}

		current, err := h.clientset.CoreV1().Pods(h.namespace).Get(ctx, pod.Name, metav1.GetOptions{})
		switch {
		case apierrors.IsNotFound(err):
			return deletedExit(pod), nil
		case err != nil:
			h.logger.Warn("failed to resync pod", "pod", pod.Name, "error", err)
		default:
			pod = current
		}
	}
}

// watchPod follows pod until it ends. done is false when the watch could not
// be opened, closed, or reported an error first.
func (h *KubernetesHandle) watchPod(ctx context.Context, pod *corev1.Pod) (ExitResult, bool) {
	watcher, err := h.clientset.CoreV1().Pods(h.namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector:   fmt.Sprintf("metadata.name=%s", pod.Name),
		ResourceVersion: pod.ResourceVersion,
	})
	if err != nil {
		h.logger.Warn("failed to watch pod", "pod", pod.Name, "error", err)
		return ExitResult{}, false
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return ExitResult{}, false
		case event, ok := <-watcher.ResultChan():
			if !ok {
				h.logger.Debug("pod watch closed, resyncing", "pod", pod.Name)
				return ExitResult{}, false
			}
			if event.Type == watch.Error {
				h.logger.Warn("pod watch failed, resyncing", "pod", pod.Name)
				return ExitResult{}, false
			}

			current, ok := event.Object.(*corev1.Pod)
			if !ok {
				continue
			}
			if event.Type == watch.Deleted {
				return deletedExit(current), true
			}
			if podDone(current) {
				return podExit(current), true
			}
		}
	}
}

func podDone(pod *corev1.Pod) bool {
	return pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed
}

// podExit reads the agent container's termination state.
func podExit(pod *corev1.Pod) ExitResult {
	if pod.Status.Phase == corev1.PodSucceeded {
		return ExitResult{ExitCode: 0}
	}
	exitCode := -1
	var reason error
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Terminated == nil {
			continue
		}
		exitCode = int(cs.State.Terminated.ExitCode)
		if cs.State.Terminated.Reason != "" {
			reason = fmt.Errorf("%s", cs.State.Terminated.Reason)
		}
		break
	}
	return ExitResult{ExitCode: exitCode, Error: reason}
}

// deletedExit is the result for a pod that disappeared. A pod removed before
// its container terminated is an abnormal exit.
func deletedExit(pod *corev1.Pod) ExitResult {
	result := podExit(pod)
	if pod.Status.Phase != corev1.PodSucceeded && result.ExitCode <= 0 {
		return ExitResult{ExitCode: -1, Error: fmt.Errorf("pod %s deleted", pod.Name)}
	}
	return result
}

// waitForPod waits for the job's pod to be created. List failures are
// retried; errJobGone is returned once the job itself no longer exists.
func (h *KubernetesHandle) waitForPod(ctx context.Context) (*corev1.Pod, error) {
	ticker := time.NewTicker(podPollInterval)
	defer ticker.Stop()

	for {
		pods, err := h.clientset.CoreV1().Pods(h.namespace).List(ctx, metav1.ListOptions{
			LabelSelector: fmt.Sprintf("job-name=%s", h.jobName),
		})
		switch {
		case err != nil:
			h.logger.Warn("failed to list job pods", "job", h.jobName, "error", err)
		case len(pods.Items) > 0:
			return &pods.Items[0], nil
		default:
			_, err := h.clientset.BatchV1().Jobs(h.namespace).Get(ctx, h.jobName, metav1.GetOptions{})
			if apierrors.IsNotFound(err) {
				return nil, errJobGone
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop deletes the Job and its pod, honoring the termination grace period.
func (h *KubernetesHandle) Stop(ctx context.Context) error {
	return h.delete(ctx, int64(h.gracePeriod/time.Second))
}

// Kill deletes the Job and its pod without a grace period.
func (h *KubernetesHandle) Kill(ctx context.Context) error {
	// The job may already be gone after a graceful Stop; its pods may not.
	if err := h.delete(ctx, 0); err != nil && !apierrors.IsNotFound(err) {
		return err
	}
	pods, err := h.clientset.CoreV1().Pods(h.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("job-name=%s", h.jobName),
	})
	if err != nil {
		return fmt.Errorf("failed to list pods of job %s: %w", h.jobName, err)
	}
	zero := int64(0)
	for _, pod := range pods.Items {
		err := h.clientset.CoreV1().Pods(h.namespace).Delete(ctx, pod.Name, metav1.DeleteOptions{GracePeriodSeconds: &zero})
		if err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("failed to delete pod %s: %w", pod.Name, err)
		}
	}
	return nil
}

func (h *KubernetesHandle) delete(ctx context.Context, grace int64) error {
	propagation := metav1.DeletePropagationForeground
	err := h.clientset.BatchV1().Jobs(h.namespace).Delete(ctx, h.jobName, metav1.DeleteOptions{
		PropagationPolicy:  &propagation,
		GracePeriodSeconds: &grace,
	})
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", h.jobName, err)
	}
	h.logger.Info("deleted kubernetes job", "job", h.jobName, "grace_seconds", grace)
	return nil
}
