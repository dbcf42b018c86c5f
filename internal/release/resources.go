package release

import (
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	v1alpha1 "github.com/k8s-insider-dev/k8s-insider/api/v1alpha1"
)

// ServerPrivateKeySecretKey is the key the server's private key is
// stored under inside the generated Secret.
const ServerPrivateKeySecretKey = "privateKey"

func (r *RouterRelease) labels() map[string]string {
	return map[string]string{
		"app.kubernetes.io/name":       "k8s-insider-router",
		"app.kubernetes.io/instance":   r.NetworkName,
		"app.kubernetes.io/managed-by": "k8s-insider-controller",
	}
}

// GenerateServiceAccount builds the Router's ServiceAccount.
func (r *RouterRelease) GenerateServiceAccount() *corev1.ServiceAccount {
	return &corev1.ServiceAccount{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "ServiceAccount"},
		ObjectMeta: r.objectMeta(r.baseName(), r.labels()),
	}
}

// GenerateRoleBinding builds the RoleBinding that grants the Router
// ServiceAccount access to the cluster-scoped router ClusterRole. The
// ClusterRole itself is provisioned once at install time, outside the
// Network reconciler's scope.
func (r *RouterRelease) GenerateRoleBinding(sa *corev1.ServiceAccount) *rbacv1.RoleBinding {
	return &rbacv1.RoleBinding{
		TypeMeta:   metav1.TypeMeta{APIVersion: "rbac.authorization.k8s.io/v1", Kind: "RoleBinding"},
		ObjectMeta: r.objectMeta(r.baseName(), r.labels()),
		RoleRef: rbacv1.RoleRef{
			APIGroup: "rbac.authorization.k8s.io",
			Kind:     "ClusterRole",
			Name:     "k8s-insider-router",
		},
		Subjects: []rbacv1.Subject{{
			Kind:      rbacv1.ServiceAccountKind,
			Name:      sa.Name,
			Namespace: sa.Namespace,
		}},
	}
}

// GenerateSecret builds the Secret holding the Router's WireGuard
// private key.
func (r *RouterRelease) GenerateSecret() (*corev1.Secret, error) {
	var zero ServerKeys
	if r.ServerKeys == zero {
		return nil, ErrMissingServerKeys
	}
	return &corev1.Secret{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "Secret"},
		ObjectMeta: r.objectMeta(r.baseName(), r.labels()),
		Type:       corev1.SecretTypeOpaque,
		Data: map[string][]byte{
			ServerPrivateKeySecretKey: []byte(r.ServerKeys.PrivateKey.String()),
		},
	}, nil
}

// GenerateDeployment builds the Router Deployment, wiring in the
// private-key Secret and the DNS/service-domain passthrough.
func (r *RouterRelease) GenerateDeployment(secret *corev1.Secret, sa *corev1.ServiceAccount) (*appsv1.Deployment, error) {
	if secret.Name == "" || sa.Name == "" {
		return nil, fmt.Errorf("generate router deployment: dependent resource missing a name")
	}

	args := []string{"router"}
	if r.HasKubeDNS {
		args = append(args, "--dns", r.KubeDNS.String())
	}
	if r.ServiceDomain != "" {
		args = append(args, "--search", r.ServiceDomain)
	}
	if r.NAT {
		args = append(args, "--nat")
	}

	replicas := int32(1)
	privileged := true
	runAsNonRoot := false

	return &appsv1.Deployment{
		TypeMeta:   metav1.TypeMeta{APIVersion: "apps/v1", Kind: "Deployment"},
		ObjectMeta: r.objectMeta(r.baseName(), r.labels()),
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: r.labels()},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: r.labels()},
				Spec: corev1.PodSpec{
					ServiceAccountName: sa.Name,
					Containers: []corev1.Container{{
						Name:  "router",
						Image: r.TunnelImage,
						Args:  args,
						Env: []corev1.EnvVar{
							{Name: "KUBE_INSIDER_NAMESPACE", Value: r.Namespace},
							{Name: "KUBE_INSIDER_NETWORK_NAME", Value: r.NetworkName},
							{Name: "KUBE_INSIDER_NETWORK_NAMESPACE", Value: r.Namespace},
						},
						EnvFrom: []corev1.EnvFromSource{{
							SecretRef: &corev1.SecretEnvSource{
								LocalObjectReference: corev1.LocalObjectReference{Name: secret.Name},
							},
						}},
						SecurityContext: &corev1.SecurityContext{
							Privileged:   &privileged,
							RunAsNonRoot: &runAsNonRoot,
							Capabilities: &corev1.Capabilities{
								Add: []corev1.Capability{"NET_ADMIN"},
							},
						},
					}},
				},
			},
		},
	}, nil
}

// GenerateService builds the optional Service exposing the Router,
// translating the Network's tagged-union service descriptor. A nil
// Service field means the Router is cluster-internal only and this
// returns nil.
func (r *RouterRelease) GenerateService(deployment *appsv1.Deployment) (*corev1.Service, error) {
	if r.Service == nil {
		return nil, nil
	}
	if deployment.Name == "" {
		return nil, fmt.Errorf("generate router service: deployment missing a name")
	}

	spec := corev1.ServiceSpec{
		Selector: r.labels(),
		Ports: []corev1.ServicePort{{
			Name:       "wireguard",
			Protocol:   corev1.ProtocolUDP,
			Port:       51820,
			TargetPort: intstr.FromInt(51820),
		}},
	}

	switch r.Service.Type {
	case v1alpha1.NetworkServiceClusterIP:
		spec.Type = corev1.ServiceTypeClusterIP
		spec.ClusterIP = r.Service.ClusterIP
	case v1alpha1.NetworkServiceNodePort:
		spec.Type = corev1.ServiceTypeNodePort
		spec.ClusterIP = r.Service.ClusterIP
	case v1alpha1.NetworkServiceLoadBalancer:
		spec.Type = corev1.ServiceTypeLoadBalancer
		spec.ClusterIP = r.Service.ClusterIP
	case v1alpha1.NetworkServiceExternalIP:
		if len(r.Service.IPs) == 0 {
			return nil, fmt.Errorf("generate router service: ExternalIp service requires ips")
		}
		spec.Type = corev1.ServiceTypeClusterIP
		spec.ExternalIPs = r.Service.IPs
	default:
		return nil, fmt.Errorf("generate router service: unknown service type %q", r.Service.Type)
	}

	return &corev1.Service{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "Service"},
		ObjectMeta: r.objectMeta(r.baseName(), r.labels()),
		Spec:       spec,
	}, nil
}

// ExtractServerPrivateKey reads the private key back out of a previously
// generated Secret, as done on every Network reconcile before deciding
// whether a fresh keypair is needed.
func ExtractServerPrivateKey(secret *corev1.Secret) (string, error) {
	raw, ok := secret.Data[ServerPrivateKeySecretKey]
	if !ok {
		return "", fmt.Errorf("secret %s missing key %q", secret.Name, ServerPrivateKeySecretKey)
	}
	return string(raw), nil
}
